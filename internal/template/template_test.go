package template

import (
	"testing"

	"github.com/altiplano-labs/despacho/internal/db"
	"github.com/google/uuid"
)

func TestRender(t *testing.T) {
	tests := []struct {
		name   string
		tmpl   string
		fields map[string]string
		want   string
	}{
		{
			name:   "all_placeholders_resolved",
			tmpl:   "Hola {nombre}, tu plan {plan} vence pronto",
			fields: map[string]string{"nombre": "Ana", "plan": "Premium"},
			want:   "Hola Ana, tu plan Premium vence pronto",
		},
		{
			name:   "unresolved_placeholder_passes_through",
			tmpl:   "Hi {nombre}, plan {plan}",
			fields: map[string]string{"nombre": "Ana"},
			want:   "Hi Ana, plan {plan}",
		},
		{
			name:   "no_placeholders",
			tmpl:   "plain message",
			fields: map[string]string{"nombre": "Ana"},
			want:   "plain message",
		},
		{
			name:   "empty_fields",
			tmpl:   "Hola {nombre}",
			fields: nil,
			want:   "Hola {nombre}",
		},
		{
			name:   "unterminated_brace_left_verbatim",
			tmpl:   "Hola {nombre",
			fields: map[string]string{"nombre": "Ana"},
			want:   "Hola {nombre",
		},
		{
			name:   "repeated_placeholder",
			tmpl:   "{nombre} y {nombre}",
			fields: map[string]string{"nombre": "Ana"},
			want:   "Ana y Ana",
		},
		{
			name:   "empty_template",
			tmpl:   "",
			fields: map[string]string{"nombre": "Ana"},
			want:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Render(tt.tmpl, tt.fields); got != tt.want {
				t.Errorf("Render() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRenderIsDeterministic(t *testing.T) {
	tmpl := "Hola {nombre}, {plan}"
	fields := map[string]string{"nombre": "Luis", "plan": "Basico"}

	first := Render(tmpl, fields)
	second := Render(tmpl, fields)

	if first != second {
		t.Errorf("Render not deterministic: %q vs %q", first, second)
	}
}

func TestFields(t *testing.T) {
	phone := "70012345"
	rec := &db.Recipient{
		ID:    uuid.New(),
		Name:  "Ana",
		Phone: &phone,
		Plan:  "Premium",
	}

	f := Fields(rec)

	if f["nombre"] != "Ana" {
		t.Errorf("nombre = %q, want Ana", f["nombre"])
	}
	if f["telefono"] != "70012345" {
		t.Errorf("telefono = %q, want 70012345", f["telefono"])
	}
	if f["plan"] != "Premium" {
		t.Errorf("plan = %q, want Premium", f["plan"])
	}
	if _, ok := f["email"]; ok {
		t.Error("email should be absent when recipient has none")
	}
}
