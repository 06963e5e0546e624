package uidmap

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

type recordingListener struct {
	mu       sync.Mutex
	upgrades []string
	removals []string
	received int
}

func (r *recordingListener) OnUidMapReceived(int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received++
}

func (r *recordingListener) NotifyAppUpgrade(_ int64, pkg string, _ int32, _ int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upgrades = append(r.upgrades, pkg)
}

func (r *recordingListener) NotifyAppRemoved(_ int64, pkg string, _ int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removals = append(r.removals, pkg)
}

func TestUpdateAppFirstInstallDoesNotNotify(t *testing.T) {
	m := New(testLogger(), 0)
	l := &recordingListener{}
	m.RegisterListener(l)

	m.UpdateApp(1, "com.app", 10001, 1, "1.0", "store", nil)
	assert.Empty(t, l.upgrades)

	m.UpdateApp(2, "com.app", 10001, 2, "2.0", "store", nil)
	assert.Equal(t, []string{"com.app"}, l.upgrades)
	assert.Equal(t, int64(2), m.AppVersion(10001, "com.app"))
}

func TestRemoveAppTombstonesAndNotifies(t *testing.T) {
	m := New(testLogger(), 0)
	l := &recordingListener{}
	m.RegisterListener(l)

	m.UpdateApp(1, "com.app", 10001, 1, "1.0", "", nil)
	m.RemoveApp(2, "com.app", 10001)

	assert.False(t, m.HasApp(10001, "com.app"))
	assert.Equal(t, []string{"com.app"}, l.removals)
	// Deleted entries report version 0.
	assert.Zero(t, m.AppVersion(10001, "com.app"))
}

func TestUpdateFullPreservesTombstones(t *testing.T) {
	m := New(testLogger(), 0)
	m.UpdateApp(1, "com.gone", 10001, 1, "1.0", "", nil)
	m.RemoveApp(2, "com.gone", 10001)

	m.UpdateFull(3, []PackageInfo{
		{Name: "com.gone", UID: 10001, VersionCode: 5},
		{Name: "com.new", UID: 10002, VersionCode: 1},
	})

	// The re-attached entry stays marked deleted to preserve history.
	assert.False(t, m.HasApp(10001, "com.gone"))
	assert.True(t, m.HasApp(10002, "com.new"))
}

func TestByteBudgetEvictsOldestChanges(t *testing.T) {
	limit := BytesPerChangeRecord * 3
	m := New(testLogger(), limit)

	for i := 0; i < 10; i++ {
		m.UpdateApp(int64(i), "com.app", 10001, int64(i), "", "", nil)
	}

	assert.LessOrEqual(t, m.BytesUsed(), limit)
	assert.Equal(t, int64(7), m.DroppedChanges())
}

func TestAppNamesForUidNormalization(t *testing.T) {
	m := New(testLogger(), 0)
	m.UpdateApp(1, "Com.App", 10001, 1, "", "", nil)

	names := m.AppNamesForUid(10001, true)
	_, ok := names["com.app"]
	assert.True(t, ok)

	raw := m.AppNamesForUid(10001, false)
	_, ok = raw["Com.App"]
	assert.True(t, ok)
}

func TestIsolatedUidResolution(t *testing.T) {
	m := New(testLogger(), 0)
	m.AssignIsolatedUid(99001, 10001)

	assert.Equal(t, int32(10001), m.HostUidOrSelf(99001))
	assert.Equal(t, int32(12345), m.HostUidOrSelf(12345))

	m.RemoveIsolatedUid(99001)
	assert.Equal(t, int32(99001), m.HostUidOrSelf(99001))
}

func TestAppendDeltaHighWaterAndPruning(t *testing.T) {
	m := New(testLogger(), 0)
	cfgA := ConfigID{UID: 1000, ID: 1}
	cfgB := ConfigID{UID: 1000, ID: 2}
	m.OnConfigUpdated(cfgA)
	m.OnConfigUpdated(cfgB)

	m.UpdateApp(10, "com.app", 10001, 1, "1.0", "", nil)
	m.UpdateApp(20, "com.app", 10001, 2, "2.0", "", nil)

	d := m.AppendDelta(25, cfgA, EmitOptions{IncludeVersionStrings: true})
	require.Len(t, d.Changes, 2)
	require.Len(t, d.Packages, 1)
	assert.Equal(t, "com.app", d.Packages[0].Name)

	// Second emission for the same config sees nothing new.
	d2 := m.AppendDelta(30, cfgA, EmitOptions{})
	assert.Empty(t, d2.Changes)

	// Once every config's mark passes the records, they are pruned.
	m.AppendDelta(30, cfgB, EmitOptions{})
	m.UpdateApp(40, "com.app", 10001, 3, "3.0", "", nil)
	d3 := m.AppendDelta(45, cfgA, EmitOptions{})
	require.Len(t, d3.Changes, 1)
	assert.Equal(t, int64(40), d3.Changes[0].TimestampNs)
}

func TestAppendDeltaHashedStrings(t *testing.T) {
	m := New(testLogger(), 0)
	cfg := ConfigID{UID: 1000, ID: 1}
	m.OnConfigUpdated(cfg)
	m.UpdateApp(10, "com.app", 10001, 1, "1.0", "installer", nil)

	d := m.AppendDelta(20, cfg, EmitOptions{
		HashStrings:           true,
		IncludeVersionStrings: true,
		IncludeInstaller:      true,
	})
	require.Len(t, d.Packages, 1)
	assert.Empty(t, d.Packages[0].Name)
	assert.NotZero(t, d.Packages[0].NameHash)
	assert.NotEmpty(t, d.InstallerHashes)
	assert.Contains(t, d.StringPool, "com.app")
	assert.Contains(t, d.StringPool, "installer")
}

func TestAppendDeltaTruncatedCertHash(t *testing.T) {
	m := New(testLogger(), 0)
	cfg := ConfigID{UID: 1, ID: 1}
	m.UpdateApp(10, "com.app", 10001, 1, "", "", []byte{0xAA, 0xBB, 0xCC, 0xDD})

	d := m.AppendDelta(20, cfg, EmitOptions{TruncatedCertHashSize: 2})
	require.Len(t, d.Packages, 1)
	assert.Equal(t, []byte{0xAA, 0xBB}, d.Packages[0].TruncatedCertHash)

	d2 := m.AppendDelta(30, cfg, EmitOptions{})
	assert.Empty(t, d2.Packages[0].TruncatedCertHash)
}

func TestMaxDeletedAppsEviction(t *testing.T) {
	m := New(testLogger(), BytesPerChangeRecord*1000)
	for i := 0; i < MaxDeletedApps+5; i++ {
		uid := int32(10000 + i)
		m.UpdateApp(int64(i), "com.app", uid, 1, "", "", nil)
		m.RemoveApp(int64(i), "com.app", uid)
	}

	m.mu.Lock()
	tombstones := 0
	for _, a := range m.apps {
		if a.Deleted {
			tombstones++
		}
	}
	m.mu.Unlock()
	assert.Equal(t, MaxDeletedApps, tombstones)
}

func TestPrintTo(t *testing.T) {
	m := New(testLogger(), 0)
	m.UpdateApp(1, "com.app", 10001, 7, "7.0", "store", []byte{0x01, 0x02})

	var buf bytes.Buffer
	require.NoError(t, m.PrintTo(&buf, false))
	assert.Equal(t, "com.app, v7, 7.0, store (10001)\n", buf.String())

	buf.Reset()
	require.NoError(t, m.PrintTo(&buf, true))
	assert.True(t, strings.HasSuffix(buf.String(), ", 0102\n"))
}

func TestAidTable(t *testing.T) {
	name, ok := AidNameForUid(1000)
	require.True(t, ok)
	assert.Equal(t, "AID_SYSTEM", name)

	_, ok = AidNameForUid(10001)
	assert.False(t, ok)
}
