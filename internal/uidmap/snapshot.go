package uidmap

import (
	"sort"

	"github.com/cespare/xxhash/v2"
)

// EmitOptions shape a snapshot or delta emission.
type EmitOptions struct {
	// HashStrings replaces every string field with its 64-bit hash and
	// collects the originals into StringPool.
	HashStrings bool
	// IncludeVersionStrings emits version strings (or their hashes).
	IncludeVersionStrings bool
	// IncludeInstaller emits installers via a shared index table.
	IncludeInstaller bool
	// TruncatedCertHashSize emits the first n bytes of each cert hash;
	// zero disables cert hash emission.
	TruncatedCertHashSize int
}

// SnapshotPackage is one emitted package entry. When strings are hashed,
// the *Hash fields are set and the string fields left empty.
type SnapshotPackage struct {
	Name              string
	NameHash          uint64
	VersionCode       int64
	VersionString     string
	VersionStringHash uint64
	InstallerIndex    int // index into Delta.Installers, -1 when absent
	TruncatedCertHash []byte
	UID               int32
	Deleted           bool
}

// Change is one emitted change-log record.
type Change struct {
	Deletion              bool
	TimestampNs           int64
	Package               string
	PackageHash           uint64
	UID                   int32
	Version               int64
	PrevVersion           int64
	VersionString         string
	VersionStringHash     uint64
	PrevVersionString     string
	PrevVersionStringHash uint64
}

// Delta is the uid-map section of one config's report: the change records
// since that config's last emission plus a full snapshot.
type Delta struct {
	SnapshotTimestampNs int64
	Packages            []SnapshotPackage
	Changes             []Change
	// Installers is the shared installer table; entries are names, or
	// empty with InstallerHashes set when strings are hashed.
	Installers      []string
	InstallerHashes []uint64
	// StringPool collects the raw strings behind the emitted hashes.
	StringPool []string
}

// AppendDelta emits the change records newer than the config's high-water
// mark plus a full snapshot, advances the mark to timestampNs, and prunes
// records older than the minimum mark across all configs.
func (m *Map) AppendDelta(timestampNs int64, cfg ConfigID, opts EmitOptions) *Delta {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := &Delta{SnapshotTimestampNs: timestampNs}
	pool := newStringPool(opts.HashStrings)

	since := m.highWater[cfg]
	for i := range m.changes {
		rec := &m.changes[i]
		if rec.TimestampNs <= since {
			continue
		}
		ch := Change{
			Deletion:    rec.Deletion,
			TimestampNs: rec.TimestampNs,
			UID:         rec.UID,
			Version:     rec.Version,
			PrevVersion: rec.PrevVersion,
		}
		if opts.HashStrings {
			ch.PackageHash = pool.hash(rec.Package)
			if opts.IncludeVersionStrings {
				ch.VersionStringHash = pool.hash(rec.VersionString)
				ch.PrevVersionStringHash = pool.hash(rec.PrevVersionString)
			}
		} else {
			ch.Package = rec.Package
			if opts.IncludeVersionStrings {
				ch.VersionString = rec.VersionString
				ch.PrevVersionString = rec.PrevVersionString
			}
		}
		out.Changes = append(out.Changes, ch)
	}

	installerIndex := map[string]int{}
	keys := make([]mapKey, 0, len(m.apps))
	for k := range m.apps {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].pkg != keys[j].pkg {
			return keys[i].pkg < keys[j].pkg
		}
		return keys[i].uid < keys[j].uid
	})
	for _, k := range keys {
		a := m.apps[k]
		p := SnapshotPackage{
			VersionCode:    a.VersionCode,
			UID:            k.uid,
			Deleted:        a.Deleted,
			InstallerIndex: -1,
		}
		if opts.HashStrings {
			p.NameHash = pool.hash(k.pkg)
			if opts.IncludeVersionStrings {
				p.VersionStringHash = pool.hash(a.VersionString)
			}
		} else {
			p.Name = k.pkg
			if opts.IncludeVersionStrings {
				p.VersionString = a.VersionString
			}
		}
		if opts.IncludeInstaller {
			idx, ok := installerIndex[a.Installer]
			if !ok {
				idx = len(installerIndex)
				installerIndex[a.Installer] = idx
			}
			p.InstallerIndex = idx
		}
		if n := opts.TruncatedCertHashSize; n > 0 && len(a.CertHash) > 0 {
			if n > len(a.CertHash) {
				n = len(a.CertHash)
			}
			p.TruncatedCertHash = append([]byte(nil), a.CertHash[:n]...)
		}
		out.Packages = append(out.Packages, p)
	}

	if opts.IncludeInstaller {
		installers := make([]string, len(installerIndex))
		for name, idx := range installerIndex {
			installers[idx] = name
		}
		if opts.HashStrings {
			out.InstallerHashes = make([]uint64, len(installers))
			for i, name := range installers {
				out.InstallerHashes[i] = pool.hash(name)
			}
		} else {
			out.Installers = installers
		}
	}
	out.StringPool = pool.strings

	prevMin := m.minHighWaterLocked()
	m.highWater[cfg] = timestampNs
	newMin := m.minHighWaterLocked()
	if newMin > prevMin {
		kept := m.changes[:0]
		for _, rec := range m.changes {
			if rec.TimestampNs >= newMin {
				kept = append(kept, rec)
			} else {
				m.bytesUsed -= BytesPerChangeRecord
			}
		}
		m.changes = kept
	}
	return out
}

// stringPool deduplicates hashed strings for the report's string section.
type stringPool struct {
	enabled bool
	seen    map[string]struct{}
	strings []string
}

func newStringPool(enabled bool) *stringPool {
	return &stringPool{enabled: enabled, seen: map[string]struct{}{}}
}

// hash records the string and returns its 64-bit hash.
func (p *stringPool) hash(s string) uint64 {
	if p.enabled {
		if _, ok := p.seen[s]; !ok {
			p.seen[s] = struct{}{}
			p.strings = append(p.strings, s)
		}
	}
	return xxhash.Sum64String(s)
}
