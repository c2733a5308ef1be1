package notify

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"tramiteline/internal/config"
	"tramiteline/internal/db"
	"tramiteline/internal/migrate"
	"tramiteline/internal/repo"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (s *recordingSink) Publish(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

func TestFanoutDeliversToAllSinksDespiteFailure(t *testing.T) {
	ok := &recordingSink{}
	bad := &recordingSink{err: errors.New("broker down")}
	f := Fanout{Sinks: []Named{{Name: "bad", Sink: bad}, {Name: "ok", Sink: ok}}, Timeout: time.Second}

	err := f.Publish(context.Background(), Event{Kind: KindReceived, UsuarioID: "u1"})
	require.Error(t, err)
	var se *SinkError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "bad", se.Sink)
	assert.Len(t, ok.events, 1)
	assert.Len(t, bad.events, 1)
}

func TestFanoutNoErrors(t *testing.T) {
	f := Fanout{Sinks: []Named{{Name: "a", Sink: &recordingSink{}}, {Name: "log", Sink: LogSink{Logger: zap.NewNop()}}}}
	assert.NoError(t, f.Publish(context.Background(), Event{Kind: KindSigned, UsuarioID: "u1"}))
}

type fakeProducer struct {
	records []*kgo.Record
}

func (p *fakeProducer) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	p.records = append(p.records, rs...)
	var res kgo.ProduceResults
	for _, r := range rs {
		res = append(res, kgo.ProduceResult{Record: r})
	}
	return res
}

func TestKafkaSinkKeysByUser(t *testing.T) {
	p := &fakeProducer{}
	s := KafkaSink{Producer: p, Topic: "tramiteline.notificaciones"}
	require.NoError(t, s.Publish(context.Background(), Event{Kind: KindAnnulled, UsuarioID: "u7", TramiteID: "t1"}))
	require.Len(t, p.records, 1)
	rec := p.records[0]
	assert.Equal(t, "tramiteline.notificaciones", rec.Topic)
	assert.Equal(t, "u7", string(rec.Key))
	var ev Event
	require.NoError(t, json.Unmarshal(rec.Value, &ev))
	assert.Equal(t, KindAnnulled, ev.Kind)
	assert.Equal(t, "t1", ev.TramiteID)
}

func TestRedisChannelName(t *testing.T) {
	assert.Equal(t, "tramiteline:notificaciones:u1", RedisSink{Prefix: "tramiteline:notificaciones:"}.Channel("u1"))
	assert.Equal(t, "u1", RedisSink{}.Channel("u1"))
}

func TestStoreSinkWritesInbox(t *testing.T) {
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: filepath.Join(dir, "ws")})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	r := repo.Repo{DB: conn}

	s := StoreSink{Repo: r}
	require.NoError(t, s.Publish(context.Background(), Event{Kind: KindReceived, UsuarioID: "u1", Titulo: "Nuevo trámite", Mensaje: "TRAM-2024-000001"}))
	n, err := r.CountNoLeidas(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	list, err := r.ListNotificaciones(context.Background(), "u1", false, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Nil(t, list[0].TramiteID)
}

func TestFromConfigLocalSinks(t *testing.T) {
	sink, closeFn, err := FromConfig(context.Background(), config.NotificationsConfig{Sinks: []string{"log"}}, repo.Repo{}, zap.NewNop())
	require.NoError(t, err)
	defer closeFn()
	f, ok := sink.(Fanout)
	require.True(t, ok)
	assert.Len(t, f.Sinks, 1)

	sink, _, err = FromConfig(context.Background(), config.NotificationsConfig{}, repo.Repo{}, nil)
	require.NoError(t, err)
	assert.IsType(t, Discard{}, sink)
}
