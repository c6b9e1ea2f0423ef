package control

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"spotifycontrols/internal/bus"
	"spotifycontrols/internal/session"
	"spotifycontrols/internal/settings"
	"spotifycontrols/internal/stream"
)

// ==== Test doubles ====

type call struct {
	Method string
	Path   string
	Auth   string
	CT     string
	Body   string
}

// fakeAPI records every request and answers from a queue of statuses.
type fakeAPI struct {
	mu       sync.Mutex
	calls    []call
	statuses []int
	bodies   []string
	srv      *httptest.Server
}

func newFakeAPI(t *testing.T, statuses ...int) *fakeAPI {
	t.Helper()
	f := &fakeAPI{statuses: statuses}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeAPI) serve(w http.ResponseWriter, r *http.Request) {
	b, _ := io.ReadAll(r.Body)

	f.mu.Lock()
	f.calls = append(f.calls, call{
		Method: r.Method,
		Path:   r.URL.Path,
		Auth:   r.Header.Get("Authorization"),
		CT:     r.Header.Get("Content-Type"),
		Body:   string(b),
	})
	status := http.StatusNoContent
	body := ""
	if len(f.statuses) > 0 {
		status = f.statuses[0]
		f.statuses = f.statuses[1:]
	}
	if len(f.bodies) > 0 {
		body = f.bodies[0]
		f.bodies = f.bodies[1:]
	}
	f.mu.Unlock()

	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func (f *fakeAPI) recorded() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func (f *fakeAPI) baseURL() string { return f.srv.URL + "/v1/me/" }

type fakeTokens struct {
	mu    sync.Mutex
	calls int
	tok   *oauth2.Token
	err   error

	// refreshed, if set, runs on every refresh.
	refreshed func()
}

func (f *fakeTokens) AccessToken(_ context.Context, _ string) (*oauth2.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.refreshed != nil {
		f.refreshed()
	}
	return f.tok, f.err
}

type fixture struct {
	api     *fakeAPI
	bus     *bus.Bus
	sc      *session.Context
	store   *settings.Store
	tokens  *fakeTokens
	d       *Dispatcher
	acct    *session.Account
	notices []Notice
}

func newFixture(t *testing.T, statuses ...int) *fixture {
	t.Helper()
	f := &fixture{
		api:    newFakeAPI(t, statuses...),
		bus:    bus.New(nil),
		sc:     session.NewContext(),
		store:  settings.NewStore(settings.Defaults()),
		tokens: &fakeTokens{tok: &oauth2.Token{AccessToken: "fresh"}},
	}
	f.d = NewDispatcher(NewClient(f.api.baseURL(), time.Second), f.sc, f.tokens, f.store, f.bus, nil)

	f.acct = session.NewAccount("a", "conn-a", true, &oauth2.Token{AccessToken: "stale"}, nil)
	reg := session.NewRegistry(f.sc, session.FrameSinkFunc(func(string, []byte) {}), nil, nil)
	reg.BindAccount(f.acct)
	f.sc.SetCurrent("a")

	f.bus.On(bus.TopicNotice, func(d any) { f.notices = append(f.notices, d.(Notice)) })
	return f
}

// ==== Plan ====

func TestPlan_Table(t *testing.T) {
	tests := []struct {
		name   string
		in     Interaction
		method string
		path   string
		body   string
	}{
		{"shuffle on", Shuffle{Current: false}, "PUT", "player/shuffle", `{"state":true}`},
		{"shuffle off", Shuffle{Current: true}, "PUT", "player/shuffle", `{"state":false}`},
		{"pause", PlayPause{Playing: true}, "PUT", "player/pause", ``},
		{"play", PlayPause{Playing: false}, "PUT", "player/play", ``},
		{"next", SkipNext{}, "POST", "player/next", ``},
		{"seek", Seek{NewProgressMs: 45000}, "PUT", "player/seek", `{"position_ms":45000}`},
		{"seek negative", Seek{NewProgressMs: -5}, "PUT", "player/seek", `{"position_ms":0}`},
		{"volume clamp high", Volume{NewVolume: 130}, "PUT", "player/volume", `{"volume_percent":100}`},
		{"volume clamp low", Volume{NewVolume: -3}, "PUT", "player/volume", `{"volume_percent":0}`},
		{"volume round", Volume{NewVolume: 42.6}, "PUT", "player/volume", `{"volume_percent":43}`},
		{"skipPrev restart", SkipPrev{ProgressMs: 20000, DurationMs: 100000}, "PUT", "player/seek", `{"position_ms":0}`},
		{"skipPrev at threshold", SkipPrev{ProgressMs: 15000, DurationMs: 100000}, "PUT", "player/seek", `{"position_ms":0}`},
		{"skipPrev previous", SkipPrev{ProgressMs: 5000, DurationMs: 100000}, "POST", "player/previous", ``},
		{"skipPrev unknown duration", SkipPrev{ProgressMs: 5000}, "POST", "player/previous", ``},
		{"repeat", Repeat{Current: stream.RepeatOff}, "PUT", "player/repeat", `{"state":"context"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := Plan(tt.in, 0.15)
			assert.Equal(t, tt.method, req.Method)
			assert.Equal(t, tt.path, req.Path)

			b, err := req.Payload()
			require.NoError(t, err)
			if tt.body == "" {
				assert.Nil(t, b)
			} else {
				assert.JSONEq(t, tt.body, string(b))
			}
		})
	}
}

func TestNextRepeat_Cycle(t *testing.T) {
	// Each interaction carries the state the UI currently shows; the request
	// always targets its successor.
	state := stream.RepeatOff
	var got []stream.RepeatState
	for i := 0; i < 6; i++ {
		state = NextRepeat(state)
		got = append(got, state)
	}
	assert.Equal(t, []stream.RepeatState{
		stream.RepeatContext, stream.RepeatTrack, stream.RepeatOff,
		stream.RepeatContext, stream.RepeatTrack, stream.RepeatOff,
	}, got)

	// Re-sending the same current state yields the same target.
	assert.Equal(t, NextRepeat(stream.RepeatContext), NextRepeat(stream.RepeatContext))
	assert.Equal(t, stream.RepeatContext, NextRepeat("bogus"))
}

func TestClampVolume(t *testing.T) {
	assert.Equal(t, 100, ClampVolume(130))
	assert.Equal(t, 100, ClampVolume(100.4))
	assert.Equal(t, 0, ClampVolume(-0.4))
	assert.Equal(t, 50, ClampVolume(49.5))
}

// ==== Codec ====

func TestInteractionCodec(t *testing.T) {
	for _, in := range []Interaction{
		Shuffle{Current: true},
		SkipPrev{ProgressMs: 1, DurationMs: 2},
		PlayPause{Playing: true},
		SkipNext{},
		Repeat{Current: stream.RepeatTrack},
		Seek{NewProgressMs: 45000},
		Volume{NewVolume: 55.5},
	} {
		b, err := EncodeInteraction(in)
		require.NoError(t, err)
		got, err := DecodeInteraction(b)
		require.NoError(t, err, string(b))
		assert.Equal(t, in, got)
	}
}

func TestDecodeInteraction_WireShape(t *testing.T) {
	got, err := DecodeInteraction([]byte(`{"type":"seek","data":{"new_progress_ms":45000}}`))
	require.NoError(t, err)
	assert.Equal(t, Seek{NewProgressMs: 45000}, got)

	got, err = DecodeInteraction([]byte(`{"type":"skipNext"}`))
	require.NoError(t, err)
	assert.Equal(t, SkipNext{}, got)

	_, err = DecodeInteraction([]byte(`{"type":"teleport"}`))
	assert.ErrorIs(t, err, ErrUnknownInteraction)

	_, err = DecodeInteraction([]byte(`{"type":"volume","data":"loud"}`))
	assert.Error(t, err)

	got, err = DecodeInteraction([]byte(`{"type":"shuffle","data":{"current":false}}`))
	require.NoError(t, err)
	assert.Equal(t, Shuffle{Current: false}, got, "explicit false is accepted")
}

func TestDecodeInteraction_RejectsMissingOrMisnamedData(t *testing.T) {
	for _, raw := range []string{
		`{"type":"volume"}`,
		`{"type":"volume","data":null}`,
		`{"type":"volume","data":{}}`,
		`{"type":"seek","data":{"newProgress":45000}}`,
		`{"type":"seek","data":{"new_progress_ms":45000,"extra":1}}`,
		`{"type":"skipPrev","data":{"progress_ms":20000}}`,
		`{"type":"repeat","data":{"current":null}}`,
		`{"type":"playPause","data":{}}`,
	} {
		got, err := DecodeInteraction([]byte(raw))
		assert.Error(t, err, raw)
		assert.Nil(t, got, raw)
	}

	_, err := DecodeInteraction([]byte(`{"type":"volume"}`))
	assert.ErrorIs(t, err, ErrMissingData)

	_, err = DecodeInteraction([]byte(`{"type":"seek","data":{"newProgress":45000}}`))
	assert.ErrorIs(t, err, ErrMissingField)
}

// ==== Dispatch ====

func TestDispatch_SeekSendsOnePut(t *testing.T) {
	f := newFixture(t, http.StatusNoContent)

	resp, err := f.d.Dispatch(context.Background(), Seek{NewProgressMs: 45000})
	require.NoError(t, err)
	assert.True(t, resp.OK())

	calls := f.api.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, "PUT", calls[0].Method)
	assert.Equal(t, "/v1/me/player/seek", calls[0].Path)
	assert.JSONEq(t, `{"position_ms":45000}`, calls[0].Body)
	assert.Equal(t, "Bearer stale", calls[0].Auth)
	assert.Equal(t, "application/json", calls[0].CT)

	armed, _ := f.sc.Guard()
	assert.True(t, armed, "guard stays armed for the next device frame")
}

func TestDispatch_VolumeClampedBeforeSend(t *testing.T) {
	f := newFixture(t)

	_, err := f.d.Dispatch(context.Background(), Volume{NewVolume: 130})
	require.NoError(t, err)

	calls := f.api.recorded()
	require.Len(t, calls, 1)
	assert.JSONEq(t, `{"volume_percent":100}`, calls[0].Body)
}

func TestDispatch_SkipPrevUsesConfiguredThreshold(t *testing.T) {
	f := newFixture(t)

	_, err := f.d.Dispatch(context.Background(), SkipPrev{ProgressMs: 20000, DurationMs: 100000})
	require.NoError(t, err)

	v := settings.Defaults()
	v.SkipPreviousProgressResetThreshold = 0.5
	require.NoError(t, f.store.Set(v))
	_, err = f.d.Dispatch(context.Background(), SkipPrev{ProgressMs: 20000, DurationMs: 100000})
	require.NoError(t, err)

	calls := f.api.recorded()
	require.Len(t, calls, 2)
	assert.Equal(t, "/v1/me/player/seek", calls[0].Path)
	assert.Equal(t, "/v1/me/player/previous", calls[1].Path)
	assert.Equal(t, "POST", calls[1].Method)
}

func TestDispatch_UnauthorizedReauthenticatesAndRetriesOnce(t *testing.T) {
	f := newFixture(t, http.StatusUnauthorized, http.StatusNoContent)

	resp, err := f.d.Dispatch(context.Background(), SkipNext{})
	require.NoError(t, err)
	assert.True(t, resp.OK())

	assert.Equal(t, 1, f.tokens.calls)
	calls := f.api.recorded()
	require.Len(t, calls, 2)
	assert.Equal(t, "Bearer stale", calls[0].Auth)
	assert.Equal(t, "Bearer fresh", calls[1].Auth)
	assert.Equal(t, "fresh", f.acct.AccessToken())
	assert.Equal(t, "a", f.sc.Current(), "dispatcher never changes the current account")
	assert.Empty(t, f.notices)
}

func TestDispatch_SecondUnauthorizedDoesNotReauthenticateAgain(t *testing.T) {
	f := newFixture(t, http.StatusUnauthorized, http.StatusUnauthorized, http.StatusNoContent)

	resp, err := f.d.Dispatch(context.Background(), SkipNext{})
	assert.ErrorIs(t, err, ErrUnauthorized)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	assert.Equal(t, 1, f.tokens.calls)
	assert.Len(t, f.api.recorded(), 2)
	require.Len(t, f.notices, 1)
	assert.Equal(t, "error", f.notices[0].Level)

	armed, _ := f.sc.Guard()
	assert.False(t, armed, "failure releases the guard")
}

func TestDispatch_ReauthFailureStops(t *testing.T) {
	f := newFixture(t, http.StatusUnauthorized)
	f.tokens.tok = nil
	f.tokens.err = errors.New("host said no")

	_, err := f.d.Dispatch(context.Background(), SkipNext{})
	assert.ErrorIs(t, err, ErrReauthFailed)
	assert.Len(t, f.api.recorded(), 1)
	require.Len(t, f.notices, 1)
	assert.Equal(t, "stale", f.acct.AccessToken())
}

func TestDispatch_UnauthorizedWithoutAutoReauth(t *testing.T) {
	f := newFixture(t, http.StatusUnauthorized)
	v := settings.Defaults()
	v.AutomaticReauthentication = false
	require.NoError(t, f.store.Set(v))

	_, err := f.d.Dispatch(context.Background(), SkipNext{})
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, 0, f.tokens.calls)
	assert.Len(t, f.api.recorded(), 1)

	require.Len(t, f.notices, 1)
	assert.Equal(t, "error", f.notices[0].Level)
	assert.Contains(t, f.notices[0].Message, "reauthentication is off")
	assert.NotContains(t, f.notices[0].Message, "did not help")
}

func TestDispatch_RetryFailureRaisesNotice(t *testing.T) {
	t.Run("server error on retry", func(t *testing.T) {
		f := newFixture(t, http.StatusUnauthorized, http.StatusInternalServerError)

		resp, err := f.d.Dispatch(context.Background(), SkipNext{})
		require.NoError(t, err)
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
		assert.Equal(t, 1, f.tokens.calls)
		assert.Len(t, f.api.recorded(), 2)

		require.Len(t, f.notices, 1)
		assert.Equal(t, "error", f.notices[0].Level)
		assert.Contains(t, f.notices[0].Message, "500")
		assert.Equal(t, KindSkipNext, f.notices[0].Interaction)

		armed, _ := f.sc.Guard()
		assert.False(t, armed)
	})

	t.Run("transport error on retry", func(t *testing.T) {
		f := newFixture(t, http.StatusUnauthorized)
		f.tokens.refreshed = f.api.srv.Close

		_, err := f.d.Dispatch(context.Background(), SkipNext{})
		require.Error(t, err)
		assert.Equal(t, 1, f.tokens.calls)
		assert.Len(t, f.api.recorded(), 1)

		require.Len(t, f.notices, 1)
		assert.Equal(t, "error", f.notices[0].Level)
		assert.Equal(t, "a", f.notices[0].AccountID)
	})
}

func TestDispatch_FirstAttemptFailureRaisesNoNotice(t *testing.T) {
	f := newFixture(t, http.StatusInternalServerError)

	resp, err := f.d.Dispatch(context.Background(), SkipNext{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Empty(t, f.notices)
}

func TestDispatch_ForbiddenSurfacesReason(t *testing.T) {
	f := newFixture(t, http.StatusForbidden)
	f.api.bodies = []string{`{"error":{"status":403,"message":"Player command failed: Restriction violated","reason":"UNKNOWN"}}`}

	_, err := f.d.Dispatch(context.Background(), Shuffle{Current: false})

	var se *ServiceError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusForbidden, se.Status)
	assert.Equal(t, "UNKNOWN", se.Reason)

	assert.Len(t, f.api.recorded(), 1, "no retry on 403")
	assert.Equal(t, 0, f.tokens.calls)
	require.Len(t, f.notices, 1)
	assert.Equal(t, "Player command failed: Restriction violated", f.notices[0].Message)
	assert.Equal(t, "UNKNOWN", f.notices[0].Reason)
	assert.Equal(t, KindShuffle, f.notices[0].Interaction)
}

func TestDispatch_OtherStatusesPassThrough(t *testing.T) {
	f := newFixture(t, http.StatusNotFound)
	f.api.bodies = []string{`{"error":{"status":404,"message":"Player command failed: No active device found"}}`}

	resp, err := f.d.Dispatch(context.Background(), PlayPause{Playing: false})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, string(resp.Body), "No active device")
	assert.Empty(t, f.notices)
}

func TestDispatch_TransportErrorReturned(t *testing.T) {
	f := newFixture(t)
	f.api.srv.Close()

	_, err := f.d.Dispatch(context.Background(), SkipNext{})
	require.Error(t, err)
	assert.Equal(t, 0, f.tokens.calls)

	armed, _ := f.sc.Guard()
	assert.False(t, armed)
}

func TestDispatch_NoCurrentAccount(t *testing.T) {
	f := newFixture(t)
	f.sc.ClearCurrent()

	_, err := f.d.Dispatch(context.Background(), SkipNext{})
	assert.ErrorIs(t, err, ErrNoCurrentAccount)
	assert.Empty(t, f.api.recorded())
}

func TestDispatch_NonPremiumRefused(t *testing.T) {
	f := newFixture(t)
	free := session.NewAccount("b", "", false, &oauth2.Token{AccessToken: "x"}, nil)
	session.NewRegistry(f.sc, session.FrameSinkFunc(func(string, []byte) {}), nil, nil).BindAccount(free)
	f.sc.SetCurrent("b")

	_, err := f.d.Dispatch(context.Background(), SkipNext{})
	assert.ErrorIs(t, err, ErrPremiumRequired)
	assert.Empty(t, f.api.recorded())
	require.Len(t, f.notices, 1)
}

func TestDispatcher_StartDispatchesFromBus(t *testing.T) {
	f := newFixture(t)
	stop := f.d.Start(context.Background())
	defer stop()

	f.bus.Emit(bus.TopicControlInteraction, Seek{NewProgressMs: 45000})
	f.bus.Emit(bus.TopicControlInteraction, "not an interaction")
	f.d.Wait()

	calls := f.api.recorded()
	require.Len(t, calls, 1)
	assert.JSONEq(t, `{"position_ms":45000}`, calls[0].Body)
}

// ==== Seeding ====

func TestClient_PlayerStateAndDevices(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/me/player", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"is_playing":    true,
			"progress_ms":   1234,
			"shuffle_state": true,
			"repeat_state":  "track",
			"timestamp":     99,
			"device":        map[string]any{"id": "d1", "is_active": true, "name": "Desk", "type": "Computer", "volume_percent": 30},
			"item": map[string]any{
				"id": "t1", "name": "Song", "uri": "spotify:track:t1", "duration_ms": 200000,
				"album":   map[string]any{"name": "Album", "uri": "spotify:album:x"},
				"artists": []map[string]any{{"name": "Artist", "uri": "spotify:artist:y"}},
			},
		})
	})
	mux.HandleFunc("/v1/me/player/devices", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"devices":[{"id":"d1","is_active":true,"name":"Desk","type":"Computer","volume_percent":30}]}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(srv.URL+"/v1/me/", time.Second)
	tok := &oauth2.Token{AccessToken: "tok", TokenType: "Bearer"}

	ps, err := c.PlayerState(context.Background(), tok)
	require.NoError(t, err)
	assert.True(t, ps.IsPlaying)
	assert.Equal(t, int64(1234), ps.ProgressMs)
	assert.Equal(t, stream.RepeatTrack, ps.Repeat)
	assert.Equal(t, int64(200000), ps.DurationMs())
	require.NotNil(t, ps.Device)
	assert.Equal(t, 30, ps.Device.VolumePercent)
	require.Len(t, ps.Track.Artists, 1)

	ds, err := c.Devices(context.Background(), tok)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.True(t, ds[0].IsActive)
}
