package state

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 5, 1, 18, 0, 0, 0, time.UTC)

func liveState() State {
	return State{
		LastStreamID:    Ptr("s1"),
		IsLive:          true,
		StreamTitle:     Ptr("hello"),
		StreamCategory:  Ptr("Just Chatting"),
		StreamStartedAt: Ptr(epoch),
	}
}

func TestNormalizeClearsOfflineFields(t *testing.T) {
	st := liveState()
	st.IsLive = false
	n := st.Normalize()
	assert.Nil(t, n.StreamTitle)
	assert.Nil(t, n.StreamCategory)
	assert.Nil(t, n.StreamStartedAt)
	assert.Equal(t, "s1", *n.LastStreamID, "lastStreamId survives going offline")

	live := liveState().Normalize()
	assert.Equal(t, "hello", live.Title())
	assert.Equal(t, "Just Chatting", live.Category())
}

func TestEncodeWritesNulls(t *testing.T) {
	b, err := Encode(Offline())
	require.NoError(t, err)
	s := string(b)
	for _, field := range []string{`"lastStreamId": null`, `"streamTitle": null`, `"streamCategory": null`, `"streamStartedAt": null`, `"isLive": false`} {
		assert.Contains(t, s, field)
	}
}

func TestDecodeLegacyFields(t *testing.T) {
	raw := `{"lastStreamId":"abc","isLive":true,"lastChecked":"2024-05-01T18:00:00Z","streamTitle":"t","streamGame":"Chess","streamStartedAt":"2024-05-01T17:00:00Z"}`
	st, err := Decode([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "Chess", st.Category())
	require.NotNil(t, st.LastCheckedAt)
	assert.True(t, st.LastCheckedAt.Equal(epoch))

	_, err = Decode([]byte("{not json"))
	assert.Error(t, err)
}

func TestDecodeNormalizesInconsistentRecord(t *testing.T) {
	st, err := Decode([]byte(`{"isLive":false,"streamTitle":"stale"}`))
	require.NoError(t, err)
	assert.Nil(t, st.StreamTitle)
}

func TestCloneIsDeep(t *testing.T) {
	a := liveState()
	b := a.Clone()
	*b.StreamTitle = "changed"
	assert.Equal(t, "hello", a.Title())
}

func TestStoreLoadMissingWritesDefault(t *testing.T) {
	mem := &MemoryBackend{}
	clk := testclock.NewClock(epoch)
	s := NewStore(mem, clk)

	st := s.Load(context.Background())
	assert.False(t, st.IsLive)
	require.NotNil(t, st.LastCheckedAt)
	assert.True(t, st.LastCheckedAt.Equal(epoch))
	assert.Equal(t, 1, mem.Writes())
	assert.True(t, s.Loaded())
}

func TestStoreLoadMalformedFallsBack(t *testing.T) {
	mem := &MemoryBackend{}
	mem.SetBytes([]byte("garbage"))
	s := NewStore(mem, testclock.NewClock(epoch))

	st := s.Load(context.Background())
	assert.False(t, st.IsLive)
	assert.Equal(t, 1, mem.Writes())

	reread, err := Decode(mem.Bytes())
	require.NoError(t, err)
	assert.False(t, reread.IsLive)
}

func TestStoreLoadReadErrorFallsBack(t *testing.T) {
	mem := &MemoryBackend{Err: errors.New("disk gone")}
	s := NewStore(mem, nil)
	st := s.Load(context.Background())
	assert.False(t, st.IsLive)
	assert.True(t, s.Loaded())
}

func TestStoreLoadReadErrorKeepsStoredRecord(t *testing.T) {
	mem := &MemoryBackend{}
	b, err := Encode(liveState())
	require.NoError(t, err)
	mem.SetBytes(b)
	mem.ReadErr = errors.New("connection reset")

	s := NewStore(mem, testclock.NewClock(epoch))
	st := s.Load(context.Background())
	assert.False(t, st.IsLive)
	assert.True(t, s.Loaded())
	assert.Equal(t, 0, mem.Writes(), "a transient read error must not overwrite the record")
	assert.Equal(t, b, mem.Bytes())

	// once reads recover, the stored live record is the baseline again
	mem.ReadErr = nil
	prev, next := s.Update(context.Background(), func(st State) State { return st })
	assert.True(t, prev.IsLive)
	assert.True(t, next.IsLive)
	assert.Equal(t, "hello", s.Current().Title())
}

func TestStoreLoadExisting(t *testing.T) {
	mem := &MemoryBackend{}
	b, err := Encode(liveState())
	require.NoError(t, err)
	mem.SetBytes(b)

	s := NewStore(mem, nil)
	st := s.Load(context.Background())
	assert.True(t, st.IsLive)
	assert.Equal(t, "hello", st.Title())
	assert.Equal(t, 0, mem.Writes())
}

func TestStoreSaveStampsAndNormalizes(t *testing.T) {
	mem := &MemoryBackend{}
	clk := testclock.NewClock(epoch)
	s := NewStore(mem, clk)

	clk.Advance(90 * time.Second)
	in := liveState()
	in.IsLive = false
	out := s.Save(context.Background(), in)

	require.NotNil(t, out.LastCheckedAt)
	assert.True(t, out.LastCheckedAt.Equal(epoch.Add(90*time.Second)))
	assert.Nil(t, out.StreamTitle)

	persisted, err := Decode(mem.Bytes())
	require.NoError(t, err)
	assert.Nil(t, persisted.StreamTitle)
	assert.Nil(t, persisted.StreamStartedAt)
	assert.Equal(t, out, s.Current())
}

func TestStoreSaveFailureKeepsInMemory(t *testing.T) {
	mem := &MemoryBackend{Err: errors.New("read-only fs")}
	s := NewStore(mem, testclock.NewClock(epoch))

	out := s.Save(context.Background(), liveState())
	assert.True(t, out.IsLive)
	assert.True(t, s.Current().IsLive)
}

func TestStoreReset(t *testing.T) {
	mem := &MemoryBackend{}
	s := NewStore(mem, nil)
	s.Save(context.Background(), liveState())
	st := s.Reset(context.Background())
	assert.False(t, st.IsLive)
	assert.Nil(t, st.LastStreamID)
	assert.False(t, s.Current().IsLive)
}

func TestStoreUpdateReadsBackend(t *testing.T) {
	mem := &MemoryBackend{}
	clk := testclock.NewClock(epoch)
	s := NewStore(mem, clk)
	s.Load(context.Background())

	// another writer replaces the record behind the store's back
	b, err := Encode(liveState())
	require.NoError(t, err)
	mem.SetBytes(b)

	clk.Advance(time.Minute)
	prev, next := s.Update(context.Background(), func(st State) State {
		st.StreamTitle = Ptr("changed")
		return st
	})
	assert.True(t, prev.IsLive)
	assert.Equal(t, "changed", next.Title())
	require.NotNil(t, next.LastCheckedAt)
	assert.True(t, next.LastCheckedAt.Equal(epoch.Add(time.Minute)))

	persisted, err := Decode(mem.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "changed", persisted.Title())
	assert.Equal(t, next, s.Current())
}

func TestStoreUpdateReadFailureUsesMemory(t *testing.T) {
	mem := &MemoryBackend{}
	s := NewStore(mem, nil)
	s.Save(context.Background(), liveState())
	mem.ReadErr = errors.New("busy")

	prev, next := s.Update(context.Background(), func(st State) State { return st })
	assert.True(t, prev.IsLive)
	assert.True(t, next.IsLive)
}

func TestStoreUpdateWriteFailureKeepsInMemory(t *testing.T) {
	mem := &MemoryBackend{Err: errors.New("read-only fs")}
	s := NewStore(mem, nil)
	s.Save(context.Background(), liveState())

	_, next := s.Update(context.Background(), func(st State) State {
		st.StreamTitle = Ptr("new")
		return st
	})
	assert.Equal(t, "new", next.Title())
	assert.Equal(t, "new", s.Current().Title())
}

func TestStoresSharingAFileSeeEachOther(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stream_state.json")
	daemonFile, err := NewFileBackend(path)
	require.NoError(t, err)
	cliFile, err := NewFileBackend(path)
	require.NoError(t, err)

	daemon := NewStore(daemonFile, nil)
	daemon.Load(context.Background())
	daemon.Update(context.Background(), func(State) State { return liveState() })

	cli := NewStore(cliFile, nil)
	require.True(t, cli.Load(context.Background()).IsLive)
	cli.Reset(context.Background())

	prev, next := daemon.Update(context.Background(), func(st State) State { return st })
	assert.False(t, prev.IsLive, "the reset written by the other store is the baseline")
	assert.False(t, next.IsLive)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	onDisk, err := Decode(raw)
	require.NoError(t, err)
	assert.False(t, onDisk.IsLive)
}

func TestStoreCurrentIsACopy(t *testing.T) {
	s := NewStore(&MemoryBackend{}, nil)
	s.Save(context.Background(), liveState())
	cur := s.Current()
	*cur.StreamTitle = "mutated"
	assert.Equal(t, "hello", s.Current().Title())
}

func TestFileBackendRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "stream_state.json")
	fb, err := NewFileBackend(path)
	require.NoError(t, err)
	assert.Equal(t, path, fb.Path())

	_, err = fb.Read(context.Background())
	assert.ErrorIs(t, err, ErrNoRecord)

	s := NewStore(fb, testclock.NewClock(epoch))
	s.Save(context.Background(), liveState())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(raw), `"streamTitle": "hello"`))

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file must not linger")

	reloaded := NewStore(fb, nil).Load(context.Background())
	assert.True(t, reloaded.IsLive)
	assert.Equal(t, "Just Chatting", reloaded.Category())
}

func TestFileBackendCanceledContext(t *testing.T) {
	fb, err := NewFileBackend(filepath.Join(t.TempDir(), "s.json"))
	require.NoError(t, err)

	// hold the exclusive lock from a second handle so acquisition must wait
	other, err := NewFileBackend(fb.Path())
	require.NoError(t, err)
	ok, err := other.lock.TryLock()
	require.NoError(t, err)
	require.True(t, ok)
	defer func() { _ = other.lock.Unlock() }()

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	err = fb.Write(ctx, []byte("{}"))
	assert.Error(t, err)
}

func TestNewFileBackendEmptyPath(t *testing.T) {
	_, err := NewFileBackend("")
	assert.Error(t, err)
}
