package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gitshare-dev/gitshare-relay/internal/channel"
	"github.com/gitshare-dev/gitshare-relay/internal/identity"
	"github.com/gitshare-dev/gitshare-relay/internal/request"
	"github.com/gitshare-dev/gitshare-relay/internal/room"
)

// stubRooms implements room.Registry with a fixed set of open rooms.
type stubRooms struct {
	open map[identity.UserID]bool
}

func (s *stubRooms) SetOpen(_ context.Context, userID identity.UserID, isOpen bool) error {
	s.open[userID] = isOpen
	return nil
}

func (s *stubRooms) IsOpen(_ context.Context, userID identity.UserID) (bool, error) {
	isOpen, ok := s.open[userID]
	if !ok {
		return false, room.ErrNotOpen
	}
	return isOpen, nil
}

func (s *stubRooms) CloseAll(context.Context) error { return nil }

// stubStore implements request.Store in memory, recording deletes.
type stubStore struct {
	mu        sync.Mutex
	bodies    map[uuid.UUID][]byte
	responses map[uuid.UUID][]byte
	deleted   []uuid.UUID

	// noResponseOnce makes the first TakeResponse report ErrNoResponse, exercising the spurious-notify resume.
	noResponseOnce bool

	// takeErr makes every TakeResponse fail with a backend error.
	takeErr error
}

func newStubStore() *stubStore {
	return &stubStore{
		bodies:    make(map[uuid.UUID][]byte),
		responses: make(map[uuid.UUID][]byte),
	}
}

func (s *stubStore) Create(_ context.Context, body []byte) (uuid.UUID, error) {
	id := uuid.New()
	s.mu.Lock()
	s.bodies[id] = body
	s.mu.Unlock()
	return id, nil
}

func (s *stubStore) Body(_ context.Context, id uuid.UUID) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	body, ok := s.bodies[id]
	if !ok {
		return nil, request.ErrNotFound
	}
	return body, nil
}

func (s *stubStore) SetResponse(_ context.Context, id uuid.UUID, output []byte) error {
	s.mu.Lock()
	s.responses[id] = output
	s.mu.Unlock()
	return nil
}

func (s *stubStore) TakeResponse(_ context.Context, id uuid.UUID) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.takeErr != nil {
		return nil, s.takeErr
	}
	if s.noResponseOnce {
		s.noResponseOnce = false
		return nil, request.ErrNoResponse
	}
	output, ok := s.responses[id]
	if !ok {
		return nil, request.ErrNoResponse
	}
	delete(s.responses, id)
	delete(s.bodies, id)
	return output, nil
}

func (s *stubStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	s.deleted = append(s.deleted, id)
	delete(s.bodies, id)
	s.mu.Unlock()
	return nil
}

// stubGuestSub signals readiness through a channel; Next blocks until signalled or the deadline passes.
type stubGuestSub struct {
	ready chan struct{}
}

func (s *stubGuestSub) Next(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ready:
		return nil
	}
}

func (s *stubGuestSub) Close(context.Context) error { return nil }

// stubGitBus plays the owner's part: NotifyOwner writes the canned CGI output into the store and wakes the guest.
type stubGitBus struct {
	store  *stubStore
	sub    *stubGuestSub
	output []byte

	// silent suppresses the owner reply so the guest hits its deadline.
	silent bool

	// extraWakes delivers this many spurious notifies before the real one.
	extraWakes int
}

func (b *stubGitBus) NotifyOwner(ctx context.Context, notify *channel.RequestNotify) error {
	if b.silent {
		return nil
	}
	for i := 0; i < b.extraWakes; i++ {
		b.sub.ready <- struct{}{}
	}
	if err := b.store.SetResponse(ctx, notify.ID, b.output); err != nil {
		return err
	}
	b.sub.ready <- struct{}{}
	return nil
}

func (b *stubGitBus) SubscribeOwner(context.Context, identity.UserID) (channel.OwnerSubscription, error) {
	return nil, errors.New("not implemented")
}

func (b *stubGitBus) SubscribeGuest(context.Context, uuid.UUID) (channel.GuestSubscription, error) {
	return b.sub, nil
}

func newGitApp(rooms *stubRooms, store *stubStore, bus channel.Bus, wait time.Duration) *fiber.App {
	app := fiber.New()
	handler := NewGitHandler(rooms, store, bus, wait, zerolog.Nop())
	app.Get("/git/:user_id/*", handler.Relay)
	app.Post("/git/:user_id/*", handler.Relay)
	return app
}

func TestGitRelay_RoomNotOpen(t *testing.T) {
	t.Parallel()

	rooms := &stubRooms{open: map[identity.UserID]bool{2: false}}
	store := newStubStore()
	bus := &stubGitBus{store: store, sub: &stubGuestSub{ready: make(chan struct{}, 4)}}
	app := newGitApp(rooms, store, bus, time.Second)

	tests := []struct {
		name string
		path string
	}{
		{"no room row", "/git/1/sample.git/info/refs"},
		{"room closed", "/git/2/sample.git/info/refs"},
		{"non-numeric user id", "/git/abc/sample.git/info/refs"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := app.Test(httptest.NewRequest(http.MethodGet, tt.path, nil))
			if err != nil {
				t.Fatalf("app.Test: %v", err)
			}
			defer func() { _ = resp.Body.Close() }()

			if resp.StatusCode != http.StatusNotFound {
				t.Errorf("status = %d, want 404", resp.StatusCode)
			}
			body, _ := io.ReadAll(resp.Body)
			if string(body) != "User room is not open" {
				t.Errorf("body = %q, want %q", body, "User room is not open")
			}
		})
	}
}

func TestGitRelay_HappyPath(t *testing.T) {
	t.Parallel()

	rooms := &stubRooms{open: map[identity.UserID]bool{1: true}}
	store := newStubStore()
	bus := &stubGitBus{
		store:  store,
		sub:    &stubGuestSub{ready: make(chan struct{}, 4)},
		output: []byte("Status: 200 OK\r\nContent-Type: application/x-git-upload-pack-advertisement\r\n\r\npack data"),
	}
	app := newGitApp(rooms, store, bus, 2*time.Second)

	req := httptest.NewRequest(http.MethodGet, "/git/1/sample.git/info/refs?service=git-upload-pack", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Type"); got != "application/x-git-upload-pack-advertisement" {
		t.Errorf("Content-Type = %q, want advertisement type", got)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "pack data" {
		t.Errorf("body = %q, want %q", body, "pack data")
	}

	// Row taken by the exchange itself, not by the cleanup path.
	if len(store.deleted) != 0 {
		t.Errorf("deleted rows = %v, want none", store.deleted)
	}
}

func TestGitRelay_PostBodyReachesStore(t *testing.T) {
	t.Parallel()

	rooms := &stubRooms{open: map[identity.UserID]bool{1: true}}
	store := newStubStore()
	bus := &stubGitBus{
		store:  store,
		sub:    &stubGuestSub{ready: make(chan struct{}, 4)},
		output: []byte("Status: 200 OK\r\n\r\n"),
	}

	var captured []byte
	app := fiber.New()
	handler := NewGitHandler(rooms, &captureStore{stubStore: store, captured: &captured}, bus, 2*time.Second, zerolog.Nop())
	app.Post("/git/:user_id/*", handler.Relay)

	payload := []byte{0, 1, 2, 255}
	req := httptest.NewRequest(http.MethodPost, "/git/1/sample.git/git-receive-pack", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/x-git-receive-pack-request")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if !bytes.Equal(captured, payload) {
		t.Errorf("persisted body = %v, want %v", captured, payload)
	}
}

// captureStore records the body passed to Create.
type captureStore struct {
	*stubStore
	captured *[]byte
}

func (s *captureStore) Create(ctx context.Context, body []byte) (uuid.UUID, error) {
	*s.captured = append([]byte(nil), body...)
	return s.stubStore.Create(ctx, body)
}

func TestGitRelay_SpuriousNotifyResumesWait(t *testing.T) {
	t.Parallel()

	rooms := &stubRooms{open: map[identity.UserID]bool{1: true}}
	store := newStubStore()
	store.noResponseOnce = true
	bus := &stubGitBus{
		store:      store,
		sub:        &stubGuestSub{ready: make(chan struct{}, 4)},
		output:     []byte("Status: 200 OK\r\n\r\nok"),
		extraWakes: 1,
	}
	app := newGitApp(rooms, store, bus, 2*time.Second)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/git/1/sample.git/info/refs", nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "ok" {
		t.Errorf("body = %q, want %q", body, "ok")
	}
}

func TestGitRelay_TimeoutReapsRow(t *testing.T) {
	t.Parallel()

	rooms := &stubRooms{open: map[identity.UserID]bool{1: true}}
	store := newStubStore()
	bus := &stubGitBus{store: store, sub: &stubGuestSub{ready: make(chan struct{}, 4)}, silent: true}
	app := newGitApp(rooms, store, bus, 100*time.Millisecond)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/git/1/sample.git/info/refs", nil), fiber.TestConfig{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "Failed recv git response" {
		t.Errorf("body = %q, want %q", body, "Failed recv git response")
	}

	store.mu.Lock()
	deleted := len(store.deleted)
	store.mu.Unlock()
	if deleted != 1 {
		t.Errorf("deleted rows = %d, want 1 (abandoned row reaped)", deleted)
	}
}

func TestGitRelay_StoreFailureIsServerError(t *testing.T) {
	t.Parallel()

	rooms := &stubRooms{open: map[identity.UserID]bool{1: true}}
	store := newStubStore()
	store.takeErr = errors.New("connection refused")
	bus := &stubGitBus{
		store:  store,
		sub:    &stubGuestSub{ready: make(chan struct{}, 4)},
		output: []byte("Status: 200 OK\r\n\r\nok"),
	}
	app := newGitApp(rooms, store, bus, 2*time.Second)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/git/1/sample.git/info/refs", nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "internal server error" {
		t.Errorf("body = %q, want generic message", body)
	}

	store.mu.Lock()
	deleted := len(store.deleted)
	store.mu.Unlock()
	if deleted != 1 {
		t.Errorf("deleted rows = %d, want 1 (abandoned row reaped)", deleted)
	}
}

func TestGitRelay_MalformedOwnerOutput(t *testing.T) {
	t.Parallel()

	rooms := &stubRooms{open: map[identity.UserID]bool{1: true}}
	store := newStubStore()
	bus := &stubGitBus{
		store:  store,
		sub:    &stubGuestSub{ready: make(chan struct{}, 4)},
		output: []byte("no header separator here"),
	}
	app := newGitApp(rooms, store, bus, 2*time.Second)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/git/1/sample.git/info/refs", nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "internal server error" {
		t.Errorf("body = %q, want generic message", body)
	}
}
