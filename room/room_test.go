package room

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func joined(id, name string) Event {
	return Event{Type: EventParticipantJoined, Participant: &Participant{ID: id, Name: name}}
}

func leftEv(id string) Event {
	return Event{Type: EventParticipantLeft, Participant: &Participant{ID: id}}
}

type endRecorder struct {
	mu      sync.Mutex
	reasons []string
}

func (e *endRecorder) fn(reason string) {
	e.mu.Lock()
	e.reasons = append(e.reasons, reason)
	e.mu.Unlock()
}

func (e *endRecorder) get() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.reasons...)
}

func TestRoom_ParticipantTracking(t *testing.T) {
	ctx := context.Background()
	r := New(Options{RoomID: "room-1", Name: "Concierge"}, nil, nil)

	var seen []string
	r.Events().On(EventParticipantJoined, func(data any) {
		seen = append(seen, data.(Event).Participant.ID)
	})

	r.HandleEvent(ctx, Event{Type: EventMeetingJoined, Participant: &Participant{ID: "local", Name: "Concierge"}})
	assert.True(t, r.Joined())
	assert.Equal(t, "local", r.LocalParticipantID())

	r.HandleEvent(ctx, joined("u1", "Alice"))
	r.HandleEvent(ctx, joined("a2", "Support Agent"))
	r.HandleEvent(ctx, joined("u2", "concierge"))

	ps := r.Participants()
	require.Len(t, ps, 3)
	assert.Equal(t, []string{"u1", "a2", "u2"}, []string{ps[0].ID, ps[1].ID, ps[2].ID})
	assert.False(t, ps[0].IsAgent)
	assert.True(t, ps[1].IsAgent)
	assert.True(t, ps[2].IsAgent, "same name as the agent")
	assert.Equal(t, []string{"u1", "a2", "u2"}, seen)

	r.HandleEvent(ctx, Event{Type: EventStreamEnabled, Kind: StreamAudio, Participant: &Participant{ID: "u1"}})
	p, ok := r.Participant("u1")
	require.True(t, ok)
	assert.True(t, p.AudioEnabled)
	assert.False(t, p.VideoEnabled)

	r.HandleEvent(ctx, Event{Type: EventStreamDisabled, Kind: StreamAudio, Participant: &Participant{ID: "u1"}})
	p, _ = r.Participant("u1")
	assert.False(t, p.AudioEnabled)

	r.HandleEvent(ctx, leftEv("a2"))
	_, ok = r.Participant("a2")
	assert.False(t, ok)
	assert.Len(t, r.Participants(), 2)
}

func TestRoom_WaitForParticipant(t *testing.T) {
	ctx := context.Background()
	r := New(Options{RoomID: "room-1"}, nil, nil)

	t.Run("first non-agent", func(t *testing.T) {
		got := make(chan string, 1)
		go func() {
			id, err := r.WaitForParticipant(ctx, "")
			assert.NoError(t, err)
			got <- id
		}()
		time.Sleep(10 * time.Millisecond)
		r.HandleEvent(ctx, joined("bot", "helper agent"))
		r.HandleEvent(ctx, joined("u1", "Bob"))

		select {
		case id := <-got:
			assert.Equal(t, "u1", id)
		case <-time.After(time.Second):
			t.Fatal("wait did not return")
		}
	})

	t.Run("already present", func(t *testing.T) {
		id, err := r.WaitForParticipant(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "u1", id)
	})

	t.Run("specific id", func(t *testing.T) {
		got := make(chan string, 1)
		go func() {
			id, _ := r.WaitForParticipant(ctx, "u2")
			got <- id
		}()
		time.Sleep(10 * time.Millisecond)
		r.HandleEvent(ctx, joined("u3", "Carol"))
		r.HandleEvent(ctx, joined("u2", "Dan"))
		assert.Equal(t, "u2", <-got)
	})

	t.Run("cancelled", func(t *testing.T) {
		cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		_, err := r.WaitForParticipant(cctx, "nobody")
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestRoom_AutoEndAfterTimeout(t *testing.T) {
	ctx := context.Background()
	r := New(Options{RoomID: "room-1", AutoEndSession: true, SessionTimeout: 30 * time.Millisecond}, nil, nil)
	rec := &endRecorder{}
	r.OnSessionEnd(rec.fn)

	r.HandleEvent(ctx, joined("u1", "Alice"))
	r.HandleEvent(ctx, leftEv("u1"))
	assert.Empty(t, rec.get(), "timer, not immediate")

	assert.Eventually(t, func() bool { return len(rec.get()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{ReasonAllParticipantsLeft}, rec.get())
	assert.True(t, r.Ended())
}

func TestRoom_RejoinCancelsAutoEnd(t *testing.T) {
	ctx := context.Background()
	r := New(Options{RoomID: "room-1", AutoEndSession: true, SessionTimeout: 40 * time.Millisecond}, nil, nil)
	rec := &endRecorder{}
	r.OnSessionEnd(rec.fn)

	r.HandleEvent(ctx, joined("u1", "Alice"))
	r.HandleEvent(ctx, leftEv("u1"))
	r.HandleEvent(ctx, joined("u1", "Alice"))

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, rec.get())
	assert.False(t, r.Ended())
}

func TestRoom_StaleEndTimerIgnored(t *testing.T) {
	ctx := context.Background()
	r := New(Options{RoomID: "room-1", AutoEndSession: true, SessionTimeout: time.Hour}, nil, nil)
	rec := &endRecorder{}
	r.OnSessionEnd(rec.fn)

	r.HandleEvent(ctx, joined("u1", "Alice"))
	r.HandleEvent(ctx, leftEv("u1"))
	r.mu.Lock()
	scheduled := r.endGen
	r.mu.Unlock()

	// 计时回调已在运行时参会者重新加入
	r.HandleEvent(ctx, joined("u1", "Alice"))
	r.endAfterTimeout(scheduled)
	assert.False(t, r.Ended())

	// 代数一致但房间里仍有人
	r.mu.Lock()
	current := r.endGen
	r.mu.Unlock()
	r.endAfterTimeout(current)
	assert.False(t, r.Ended())
	assert.Empty(t, rec.get())

	r.HandleEvent(ctx, leftEv("u1"))
	r.mu.Lock()
	current = r.endGen
	r.mu.Unlock()
	r.endAfterTimeout(current)
	assert.True(t, r.Ended())
	assert.Equal(t, []string{ReasonAllParticipantsLeft}, rec.get())
	r.Close()
}

func TestRoom_AutoEndRules(t *testing.T) {
	tt := []struct {
		name     string
		opts     Options
		events   []Event
		expected []string
	}{
		{
			name:     "zero timeout ends immediately",
			opts:     Options{AutoEndSession: true},
			events:   []Event{joined("u1", "A"), leftEv("u1")},
			expected: []string{ReasonAllParticipantsLeft},
		},
		{
			name:   "auto end disabled",
			opts:   Options{},
			events: []Event{joined("u1", "A"), leftEv("u1")},
		},
		{
			name:   "agent leaving does not end",
			opts:   Options{AutoEndSession: true},
			events: []Event{joined("u1", "A"), joined("b", "agent b"), leftEv("b")},
		},
		{
			name:   "one user still present",
			opts:   Options{AutoEndSession: true},
			events: []Event{joined("u1", "A"), joined("u2", "B"), leftEv("u1")},
		},
		{
			name:     "meeting left ends once",
			opts:     Options{AutoEndSession: true},
			events:   []Event{{Type: EventMeetingJoined}, joined("u1", "A"), {Type: EventMeetingLeft}, leftEv("u1")},
			expected: []string{ReasonMeetingLeft},
		},
	}
	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			r := New(tc.opts, nil, nil)
			rec := &endRecorder{}
			r.OnSessionEnd(rec.fn)
			for _, ev := range tc.events {
				r.HandleEvent(context.Background(), ev)
			}
			assert.Equal(t, tc.expected, rec.get())
		})
	}
}

func TestRoom_SessionEndCallbacksChain(t *testing.T) {
	r := New(Options{AutoEndSession: true}, nil, nil)
	var order []int
	r.OnSessionEnd(func(string) { order = append(order, 1) })
	r.OnSessionEnd(func(string) { order = append(order, 2) })
	r.OnSessionEnd(nil)

	r.HandleEvent(context.Background(), joined("u1", "A"))
	r.HandleEvent(context.Background(), leftEv("u1"))
	assert.Equal(t, []int{1, 2}, order)
}

func TestRoom_Recording(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
	}))
	defer srv.Close()

	client := NewClient(ClientConfig{BaseURL: srv.URL, AuthToken: "t", RequestsPerSecond: 1000, Retry: fastRetry(0)}, nil)
	r := New(Options{RoomID: "room-1", Recording: true}, client, nil)
	ctx := context.Background()

	r.HandleEvent(ctx, Event{Type: EventMeetingJoined, Participant: &Participant{ID: "local"}})
	r.HandleEvent(ctx, joined("u1", "Alice"))
	r.HandleEvent(ctx, joined("u2", "Bob"))
	r.HandleEvent(ctx, Event{Type: EventMeetingLeft})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"/v2/recordings/participant/start",
		"/v2/recordings/participant/start",
		"/v2/recordings/participant/stop",
		"/v2/recordings/participant/stop",
		"/v2/recordings/participant/merge",
	}, paths)
}
