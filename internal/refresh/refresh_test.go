package refresh

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/doorvoip/internal/restclient"
	"github.com/sebas/doorvoip/internal/sipendpoint"
	"github.com/sebas/doorvoip/internal/voiperr"
)

type fakeCoordinator struct {
	mu        sync.Mutex
	started   int
	stopped   int
	safeStart int
}

func (f *fakeCoordinator) Start(ctx context.Context) error { f.started++; return nil }
func (f *fakeCoordinator) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	return nil
}
func (f *fakeCoordinator) SafeStart(ctx context.Context, retry int, sleep time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.safeStart++
	return nil
}
func (f *fakeCoordinator) Status() string   { return "registered" }
func (f *fakeCoordinator) ActiveCalls() int { return 0 }

func testServer(sipAddress string, sipPort int, calls *int32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/subscriber/sipsettings":
			atomic.AddInt32(calls, 1)
			w.Write([]byte(`{"sip_address":"` + sipAddress + `","sip_port":` + strconv.Itoa(sipPort) + `,"sip_login":"1001","sip_password":"secret"}`))
		case "/v1/subscriber/available-intercoms":
			w.Write([]byte(`{"intercoms":[{"intercom_id":1,"stream_url":"rtsp://cam","mute":false,"sip_login":"2001"}]}`))
		}
	}))
}

func TestNewClampsIntervalToMinimum(t *testing.T) {
	l := New(restclient.New("http://unused", "+1", "dc"), "10.0.0.1", 5*time.Second, func(sipendpoint.Config) Coordinator {
		return &fakeCoordinator{}
	})
	assert.Equal(t, MinInterval, l.interval)
}

func TestNewDefaultsIntervalWhenZero(t *testing.T) {
	l := New(restclient.New("http://unused", "+1", "dc"), "10.0.0.1", 0, func(sipendpoint.Config) Coordinator {
		return &fakeCoordinator{}
	})
	assert.Equal(t, DefaultInterval, l.interval)
}

func TestCycleBuildsCoordinatorOnFirstSuccess(t *testing.T) {
	var sipCalls int32
	srv := testServer("sip.example.com", 5060, &sipCalls)
	defer srv.Close()

	client := restclient.New(srv.URL, "+1555", "dc")
	var built []sipendpoint.Config
	factory := func(cfg sipendpoint.Config) Coordinator {
		built = append(built, cfg)
		return &fakeCoordinator{}
	}

	l := New(client, "10.0.0.5", MinInterval, factory)
	err := l.cycle(context.Background(), true)
	require.NoError(t, err)

	require.Len(t, built, 1)
	assert.Equal(t, "sip.example.com", built[0].Address)
	assert.Equal(t, 5060, built[0].Port)
	assert.Equal(t, "10.0.0.5", built[0].LocalIP)

	intercoms := l.Intercoms()
	require.Len(t, intercoms, 1)
	assert.Equal(t, "rtsp://cam", intercoms[1].StreamURL)
}

func TestCycleDoesNotRebuildWhenCredentialsUnchanged(t *testing.T) {
	var sipCalls int32
	srv := testServer("sip.example.com", 5060, &sipCalls)
	defer srv.Close()

	client := restclient.New(srv.URL, "+1555", "dc")
	rebuilds := 0
	factory := func(cfg sipendpoint.Config) Coordinator {
		rebuilds++
		return &fakeCoordinator{}
	}

	l := New(client, "10.0.0.5", MinInterval, factory)
	require.NoError(t, l.cycle(context.Background(), true))
	require.NoError(t, l.cycle(context.Background(), false))

	assert.Equal(t, 1, rebuilds)
}

func TestCycleRebuildsWhenCredentialsChange(t *testing.T) {
	var sipCalls int32
	srv := testServer("sip.example.com", 5060, &sipCalls)
	defer srv.Close()

	client := restclient.New(srv.URL, "+1555", "dc")
	var fakes []*fakeCoordinator
	factory := func(cfg sipendpoint.Config) Coordinator {
		f := &fakeCoordinator{}
		fakes = append(fakes, f)
		return f
	}

	l := New(client, "10.0.0.5", MinInterval, factory)
	require.NoError(t, l.cycle(context.Background(), true))

	l.mu.Lock()
	l.creds.Port = 9999
	l.mu.Unlock()

	require.NoError(t, l.cycle(context.Background(), false))

	require.Len(t, fakes, 2)
	assert.Eventually(t, func() bool {
		fakes[0].mu.Lock()
		defer fakes[0].mu.Unlock()
		return fakes[0].stopped == 1
	}, time.Second, 10*time.Millisecond)
}

func TestCycleSurfacesTransportErrorAsConnectionError(t *testing.T) {
	client := restclient.New("http://127.0.0.1:1", "+1555", "dc")
	l := New(client, "10.0.0.5", MinInterval, func(sipendpoint.Config) Coordinator {
		t.Fatal("factory should not be called when sip_settings fails")
		return nil
	})

	err := l.cycle(context.Background(), true)
	require.Error(t, err)
	assert.True(t, errors.Is(err, voiperr.ErrConnection))
}
