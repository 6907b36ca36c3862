package dispatch

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/altiplano-labs/despacho/internal/db"
	"github.com/altiplano-labs/despacho/internal/sqs"
)

type fakeRepo struct {
	created   []*db.Notification
	createErr error
	campaigns map[uuid.UUID]*db.Campaign
	audiences map[uuid.UUID][]*db.AudienceMember
	notified  []uuid.UUID
	notifyErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		campaigns: make(map[uuid.UUID]*db.Campaign),
		audiences: make(map[uuid.UUID][]*db.AudienceMember),
	}
}

func (f *fakeRepo) CreateNotification(_ context.Context, n *db.Notification) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.created = append(f.created, n)
	return nil
}

func (f *fakeRepo) GetCampaign(_ context.Context, id uuid.UUID) (*db.Campaign, error) {
	c, ok := f.campaigns[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return c, nil
}

func (f *fakeRepo) GetAudience(_ context.Context, campaignID uuid.UUID) ([]*db.AudienceMember, error) {
	return f.audiences[campaignID], nil
}

func (f *fakeRepo) MarkAudienceNotified(_ context.Context, _, recipientID uuid.UUID) error {
	if f.notifyErr != nil {
		return f.notifyErr
	}
	f.notified = append(f.notified, recipientID)
	return nil
}

type fakeQueue struct {
	jobs       []sqs.Job
	enqueueErr error
	failAfter  int // fail enqueues once len(jobs) reaches this, 0 = never
}

func (f *fakeQueue) Enqueue(_ context.Context, job sqs.Job) (string, error) {
	if f.enqueueErr != nil {
		return "", f.enqueueErr
	}
	if f.failAfter > 0 && len(f.jobs) >= f.failAfter {
		return "", errors.New("queue unavailable")
	}
	f.jobs = append(f.jobs, job)
	return fmt.Sprintf("msg-%d", len(f.jobs)), nil
}

func TestSendValidation(t *testing.T) {
	recipientID := uuid.New()

	tests := []struct {
		name string
		req  SendRequest
	}{
		{
			name: "unknown channel",
			req:  SendRequest{Channel: "fax", Body: "hello", RecipientID: &recipientID},
		},
		{
			name: "empty channel",
			req:  SendRequest{Channel: "", Body: "hello", RecipientID: &recipientID},
		},
		{
			name: "empty body",
			req:  SendRequest{Channel: "sms", Body: "", RecipientID: &recipientID},
		},
		{
			name: "whitespace body",
			req:  SendRequest{Channel: "sms", Body: "   ", RecipientID: &recipientID},
		},
		{
			name: "no recipient or destination",
			req:  SendRequest{Channel: "sms", Body: "hello"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newFakeRepo()
			queue := &fakeQueue{}
			svc := NewService(repo, queue, zap.NewNop())

			_, err := svc.Send(context.Background(), tt.req)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
			if len(repo.created) != 0 {
				t.Errorf("validation failure must not persist records, got %d", len(repo.created))
			}
			if len(queue.jobs) != 0 {
				t.Errorf("validation failure must not enqueue jobs, got %d", len(queue.jobs))
			}
		})
	}
}

func TestSendQueuesNotification(t *testing.T) {
	repo := newFakeRepo()
	queue := &fakeQueue{}
	svc := NewService(repo, queue, zap.NewNop())

	n, err := svc.Send(context.Background(), SendRequest{
		Channel:     "SMS",
		Body:        "Your plan renews tomorrow",
		Destination: "70012345",
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if n.State != db.StateQueued {
		t.Errorf("expected state queued, got %s", n.State)
	}
	if n.Channel != db.ChannelSMS {
		t.Errorf("expected channel sms, got %s", n.Channel)
	}
	if n.Destination == nil || *n.Destination != "70012345" {
		t.Errorf("destination not carried: %v", n.Destination)
	}

	if len(repo.created) != 1 {
		t.Fatalf("expected 1 persisted record, got %d", len(repo.created))
	}
	if len(queue.jobs) != 1 {
		t.Fatalf("expected 1 enqueued job, got %d", len(queue.jobs))
	}
	if queue.jobs[0].NotificationID != n.ID.String() {
		t.Errorf("job references wrong record: %s", queue.jobs[0].NotificationID)
	}
}

func TestSendNormalizesChannelAliases(t *testing.T) {
	repo := newFakeRepo()
	queue := &fakeQueue{}
	svc := NewService(repo, queue, zap.NewNop())

	for _, spelling := range []string{"EMAIL", "correo", "Correo"} {
		n, err := svc.Send(context.Background(), SendRequest{
			Channel:     spelling,
			Body:        "bienvenido",
			Destination: "ana@example.com",
		})
		if err != nil {
			t.Fatalf("Send(%q) failed: %v", spelling, err)
		}
		if n.Channel != db.ChannelEmail {
			t.Errorf("Send(%q): expected canonical email channel, got %s", spelling, n.Channel)
		}
	}
}

func TestSendEnqueueFailureSurfaces(t *testing.T) {
	repo := newFakeRepo()
	queue := &fakeQueue{enqueueErr: errors.New("queue down")}
	svc := NewService(repo, queue, zap.NewNop())

	_, err := svc.Send(context.Background(), SendRequest{
		Channel:     "sms",
		Body:        "hola",
		Destination: "70012345",
	})
	if err == nil {
		t.Fatal("expected error when enqueue fails")
	}
	// The record stays behind in queued; the sweeper picks it up later.
	if len(repo.created) != 1 {
		t.Errorf("record should persist despite enqueue failure, got %d", len(repo.created))
	}
}

func TestLaunchFansOutPerRecipient(t *testing.T) {
	repo := newFakeRepo()
	queue := &fakeQueue{}
	svc := NewService(repo, queue, zap.NewNop())

	campaignID := uuid.New()
	repo.campaigns[campaignID] = &db.Campaign{
		ID:              campaignID,
		Name:            "Promo Agosto",
		Channel:         db.ChannelSMS,
		MessageTemplate: "Hola {nombre}, tu plan {plan} tiene descuento",
	}

	phone1, phone2, phone3 := "70011111", "70022222", "70033333"
	members := []*db.AudienceMember{
		{CampaignID: campaignID, RecipientID: uuid.New(), Recipient: db.Recipient{Name: "Ana", Plan: "prepago", Phone: &phone1}},
		{CampaignID: campaignID, RecipientID: uuid.New(), Recipient: db.Recipient{Name: "Luis", Plan: "postpago", Phone: &phone2}},
		{CampaignID: campaignID, RecipientID: uuid.New(), Recipient: db.Recipient{Name: "Carla", Plan: "prepago", Phone: &phone3}},
	}
	repo.audiences[campaignID] = members

	results, err := svc.Launch(context.Background(), LaunchRequest{CampaignID: campaignID})
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}

	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if len(repo.created) != 3 {
		t.Fatalf("expected 3 queued notifications, got %d", len(repo.created))
	}

	for i, n := range repo.created {
		want := "Hola " + members[i].Recipient.Name + ", tu plan " + members[i].Recipient.Plan + " tiene descuento"
		if n.Body != want {
			t.Errorf("member %d: body %q, want %q", i, n.Body, want)
		}
		if n.CampaignID == nil || *n.CampaignID != campaignID {
			t.Errorf("member %d: campaign id not stamped", i)
		}
	}

	if len(repo.notified) != 3 {
		t.Errorf("expected 3 membership updates, got %d", len(repo.notified))
	}
}

func TestLaunchPartialFailureContinues(t *testing.T) {
	repo := newFakeRepo()
	// Second enqueue fails; the third member must still be processed.
	queue := &fakeQueue{failAfter: 1}
	svc := NewService(repo, queue, zap.NewNop())

	campaignID := uuid.New()
	repo.campaigns[campaignID] = &db.Campaign{
		ID:              campaignID,
		Name:            "Promo",
		Channel:         db.ChannelEmail,
		MessageTemplate: "Hola {nombre}",
	}

	var members []*db.AudienceMember
	for i := 0; i < 3; i++ {
		email := fmt.Sprintf("user%d@example.com", i)
		members = append(members, &db.AudienceMember{
			CampaignID:  campaignID,
			RecipientID: uuid.New(),
			Recipient:   db.Recipient{Name: "User", Plan: "prepago", Email: &email},
		})
	}
	repo.audiences[campaignID] = members

	results, err := svc.Launch(context.Background(), LaunchRequest{CampaignID: campaignID})
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}

	if len(results) != 3 {
		t.Fatalf("expected a result per member, got %d", len(results))
	}

	var ok, failed int
	for _, r := range results {
		if r.Error != "" {
			failed++
			if r.NotificationID != nil {
				t.Error("failed result must not carry a notification id")
			}
		} else {
			ok++
			if r.NotificationID == nil {
				t.Error("successful result must carry a notification id")
			}
		}
	}
	if failed == 0 {
		t.Error("expected at least one failed member")
	}
	if ok == 0 {
		t.Error("expected remaining members to proceed")
	}
	if ok+failed != 3 {
		t.Errorf("results do not cover the audience: ok=%d failed=%d", ok, failed)
	}
}

func TestLaunchUnknownCampaign(t *testing.T) {
	svc := NewService(newFakeRepo(), &fakeQueue{}, zap.NewNop())

	_, err := svc.Launch(context.Background(), LaunchRequest{CampaignID: uuid.New()})
	if !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLaunchChannelOverride(t *testing.T) {
	repo := newFakeRepo()
	queue := &fakeQueue{}
	svc := NewService(repo, queue, zap.NewNop())

	campaignID := uuid.New()
	repo.campaigns[campaignID] = &db.Campaign{
		ID:              campaignID,
		Name:            "Promo",
		Channel:         db.ChannelSMS,
		MessageTemplate: "Hola {nombre}",
	}
	phone := "70012345"
	repo.audiences[campaignID] = []*db.AudienceMember{
		{CampaignID: campaignID, RecipientID: uuid.New(), Recipient: db.Recipient{Name: "Ana", Plan: "prepago", Phone: &phone}},
	}

	_, err := svc.Launch(context.Background(), LaunchRequest{
		CampaignID: campaignID,
		Channel:    "CORREO",
	})
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	if repo.created[0].Channel != db.ChannelEmail {
		t.Errorf("override not applied: got %s", repo.created[0].Channel)
	}
}
