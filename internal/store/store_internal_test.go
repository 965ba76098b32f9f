package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
)

func TestWriteAtomic_InterruptedSaveKeepsPreviousDocument(t *testing.T) {
	c := qt.New(t)
	s := New(c.TempDir(), Options{})

	_, err := s.Init(t.Context())
	c.Assert(err, qt.IsNil)
	before, err := os.ReadFile(s.Path())
	c.Assert(err, qt.IsNil)

	crash := errors.New("simulated crash")
	var sawTemp string
	s.afterTempWrite = func(tmp string) error {
		sawTemp = tmp
		// The live file must still hold the previous content here.
		live, err := os.ReadFile(s.Path())
		c.Assert(err, qt.IsNil)
		c.Assert(string(live), qt.Equals, string(before))
		return crash
	}

	_, err = s.Update(t.Context(), func(d *Document) error {
		d.AuthFailureCount = 7
		return nil
	})
	c.Assert(errors.Is(err, crash), qt.IsTrue)
	c.Assert(sawTemp, qt.Not(qt.Equals), "")

	after, err := os.ReadFile(s.Path())
	c.Assert(err, qt.IsNil)
	c.Assert(string(after), qt.Equals, string(before))

	leftovers, err := filepath.Glob(filepath.Join(filepath.Dir(s.Path()), FileName+".tmp-*"))
	c.Assert(err, qt.IsNil)
	c.Assert(leftovers, qt.HasLen, 0)

	s.afterTempWrite = nil
	doc, err := s.Load(t.Context())
	c.Assert(err, qt.IsNil)
	c.Assert(doc.AuthFailureCount, qt.Equals, 0)
}

func TestDecodeDocument_MigrationSteps(t *testing.T) {
	c := qt.New(t)
	ids := 0
	newID := func() string { ids++; return "generated" }

	doc, migrated, err := decodeDocument([]byte(`{"version":2,"deviceId":"keep-me"}`), newID)
	c.Assert(err, qt.IsNil)
	c.Assert(migrated, qt.IsTrue)
	c.Assert(doc.DeviceID, qt.Equals, "keep-me")
	c.Assert(ids, qt.Equals, 0)

	doc, migrated, err = decodeDocument([]byte(`{"version":2}`), newID)
	c.Assert(err, qt.IsNil)
	c.Assert(migrated, qt.IsTrue)
	c.Assert(doc.DeviceID, qt.Equals, "generated")

	_, migrated, err = decodeDocument([]byte(`{"version":3,"deviceId":"x"}`), newID)
	c.Assert(err, qt.IsNil)
	c.Assert(migrated, qt.IsFalse)

	_, _, err = decodeDocument([]byte(`[]`), newID)
	c.Assert(err, qt.ErrorMatches, `parse session document: .*`)
}

func TestReclaimStale_UnreadableLock(t *testing.T) {
	c := qt.New(t)

	newStale := func(c *qt.C) *Store {
		s := New(c.TempDir(), Options{StaleAfter: time.Minute})
		c.Assert(os.MkdirAll(s.dir, 0o700), qt.IsNil)
		// Empty: the owner crashed between create and write.
		c.Assert(os.WriteFile(s.lockPath, nil, 0o600), qt.IsNil)
		old := time.Now().Add(-time.Hour)
		c.Assert(os.Chtimes(s.lockPath, old, old), qt.IsNil)
		return s
	}

	c.Run("old empty lock is reclaimed", func(c *qt.C) {
		s := newStale(c)
		c.Assert(s.reclaimStale(), qt.IsTrue)
		_, err := os.Stat(s.lockPath)
		c.Assert(os.IsNotExist(err), qt.IsTrue)
	})

	c.Run("lock re-created by another process is kept", func(c *qt.C) {
		s := newStale(c)
		fresh := []byte(`{"pid":4242,"host":"other","createdAt":"2026-01-01T00:00:00Z"}` + "\n")
		s.beforeReclaim = func() {
			// Another process reclaims first and takes the lock.
			c.Assert(os.Remove(s.lockPath), qt.IsNil)
			c.Assert(os.WriteFile(s.lockPath, fresh, 0o600), qt.IsNil)
		}

		c.Assert(s.reclaimStale(), qt.IsFalse)
		got, err := os.ReadFile(s.lockPath)
		c.Assert(err, qt.IsNil)
		c.Assert(string(got), qt.Equals, string(fresh))

		leftovers, err := filepath.Glob(s.lockPath + ".stale-*")
		c.Assert(err, qt.IsNil)
		c.Assert(leftovers, qt.HasLen, 0)
	})
}
