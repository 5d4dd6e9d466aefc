package registration

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/LeventeLantos/bingo-registry/internal/client"
	"github.com/LeventeLantos/bingo-registry/internal/inventory"
	"github.com/LeventeLantos/bingo-registry/internal/metrics"
	"github.com/LeventeLantos/bingo-registry/internal/model"
	"github.com/LeventeLantos/bingo-registry/internal/repo/repotest"
)

type sentText struct {
	Phone string
	Body  string
}

type sentMedia struct {
	Phone   string
	Media   client.Media
	Caption string
}

type fakeGateway struct {
	mu sync.Mutex

	notReady     bool
	textErr      error
	textFailures int
	mediaErr     error

	texts []sentText
	media []sentMedia
}

func (g *fakeGateway) Status(context.Context) (client.Status, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.notReady {
		return client.Status{Ready: false, Diagnostic: "qr pending"}, nil
	}
	return client.Status{Ready: true, Diagnostic: "connected"}, nil
}

func (g *fakeGateway) SendText(_ context.Context, phone, body string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.textFailures > 0 {
		g.textFailures--
		return model.NewError(model.KindTransport, "socket closed")
	}
	if g.textErr != nil {
		return g.textErr
	}
	g.texts = append(g.texts, sentText{Phone: phone, Body: body})
	return nil
}

func (g *fakeGateway) SendMediaWithCaption(_ context.Context, phone string, m client.Media, caption string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.mediaErr != nil {
		return g.mediaErr
	}
	g.media = append(g.media, sentMedia{Phone: phone, Media: m, Caption: caption})
	return nil
}

func (g *fakeGateway) sentTexts() []sentText {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]sentText(nil), g.texts...)
}

func (g *fakeGateway) sentMedia() []sentMedia {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]sentMedia(nil), g.media...)
}

type fakeClassifier struct {
	verdict model.Classification
	err     error
	calls   int
}

func (c *fakeClassifier) Classify(_ context.Context, image []byte) (model.Classification, error) {
	c.calls++
	if len(image) == 0 {
		return model.Classification{}, errors.New("empty image")
	}
	return c.verdict, c.err
}

type memArtifacts struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
}

func newMemArtifacts() *memArtifacts { return &memArtifacts{objects: map[string][]byte{}} }

func (a *memArtifacts) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.putErr != nil {
		return "", a.putErr
	}
	a.objects[key] = append([]byte(nil), data...)
	return "http://minio.local/artifacts/" + key, nil
}

func (a *memArtifacts) Get(_ context.Context, key string) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.objects[key]
	if !ok {
		return nil, errors.New("no such key " + key)
	}
	return b, nil
}

func (a *memArtifacts) Delete(_ context.Context, key string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.objects, key)
	return nil
}

func (a *memArtifacts) has(key string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.objects[key]
	return ok
}

type fakeNotifier struct {
	mu    sync.Mutex
	texts []string
}

func (n *fakeNotifier) NotifyAdmin(_ context.Context, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.texts = append(n.texts, text)
	return nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fixture struct {
	svc       *Service
	store     *repotest.Store
	gw        *fakeGateway
	cls       *fakeClassifier
	artifacts *memArtifacts
	notifier  *fakeNotifier
	clock     *fakeClock
	metrics   *metrics.Manager
	sleeps    *[]time.Duration
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := repotest.New()
	m := metrics.New()
	sleeps := &[]time.Duration{}
	f := &fixture{
		store:     store,
		gw:        &fakeGateway{},
		cls:       &fakeClassifier{verdict: model.Classification{IsValidDocument: true, Confidence: 0.75, MatchedKeywords: []string{"BINGO", "AMIGO"}}},
		artifacts: newMemArtifacts(),
		notifier:  &fakeNotifier{},
		clock:     &fakeClock{now: time.Date(2026, 3, 6, 20, 0, 0, 0, time.UTC)},
		metrics:   m,
		sleeps:    sleeps,
	}

	opts := DefaultOptions()
	opts.ExposeOTP = true
	opts.Retry.Sleep = func(_ context.Context, d time.Duration) error {
		*sleeps = append(*sleeps, d)
		return nil
	}

	f.svc = NewService(Deps{
		Users:      store.Users(),
		Tables:     store.Tables(),
		Inventory:  inventory.NewManager(store.Tables(), m, nil),
		Gateway:    f.gw,
		Classifier: f.cls,
		Artifacts:  f.artifacts,
		Hasher:     BcryptHasher{Cost: bcrypt.MinCost},
		FollowUps:  InlineFollowUps{},
		Notifier:   f.notifier,
		Metrics:    m,
		Now:        f.clock.Now,
	}, opts)
	return f
}

func (f *fixture) requestCode(t *testing.T, phone, idCard string) *OTPResult {
	t.Helper()
	res, err := f.svc.RequestOTP(context.Background(), OTPRequest{Phone: phone, IDCard: idCard})
	if err != nil {
		t.Fatalf("RequestOTP() error: %v", err)
	}
	return res
}

// seedTable adds a pool table together with its PDF.
func (f *fixture) seedTable(code string) int64 {
	id := f.store.AddTables(code)[0]
	f.artifacts.objects["tablas/BINGO_AMIGO_TABLA_"+code+".pdf"] = []byte("%PDF-" + code)
	return id
}

func profile() ProfileInput {
	return ProfileInput{
		FirstName:      "María",
		LastName:       "Zambrano",
		ProvinceID:     1,
		CantonID:       2,
		NeighborhoodID: 3,
		AddressDetail:  "Calle 10 de Agosto y Bolívar",
	}
}

func completion(phone, idCard, otp string) Completion {
	return Completion{Phone: phone, IDCard: idCard, OTP: otp, Profile: profile()}
}
