// Package meta stores MSID and content-type definitions: element types,
// unit tables, state codes and content membership. Definitions are mutated
// rarely (mission database updates) and read on every fetch.
package meta // import "github.com/telarc/telarc/meta"

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/telarc/telarc"
)

var (
	msidBucket    = []byte("msidsv1")
	contentBucket = []byte("contentsv1")
)

// Store is an open metadata database.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the metadata database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0666, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(msidBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(contentBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// PutMSID inserts or replaces an MSID definition. The name is canonicalized
// and the MSID is added to its content's member list.
func (s *Store) PutMSID(m *telarc.MSID) error {
	if err := m.Type.Validate(); err != nil {
		return err
	}
	name := telarc.CanonicalName(m.Name)
	content := telarc.CanonicalContent(m.Content)
	if name == "" || content == "" {
		return fmt.Errorf("msid requires name and content")
	}
	stored := *m
	stored.Name = name
	stored.Content = content

	return s.db.Update(func(tx *bolt.Tx) error {
		buf, err := json.Marshal(&stored)
		if err != nil {
			return err
		}
		if err := tx.Bucket(msidBucket).Put([]byte(name), buf); err != nil {
			return err
		}

		ct, err := getContent(tx, content)
		if err != nil {
			return err
		}
		if ct == nil {
			ct = &telarc.ContentType{Name: content}
		}
		for _, existing := range ct.MSIDs {
			if existing == name {
				return nil
			}
		}
		ct.MSIDs = append(ct.MSIDs, name)
		sort.Strings(ct.MSIDs)
		return putContent(tx, ct)
	})
}

// MSID returns the definition for name, or ErrUnknownMSID.
func (s *Store) MSID(name string) (*telarc.MSID, error) {
	var m *telarc.MSID
	err := s.db.View(func(tx *bolt.Tx) error {
		buf := tx.Bucket(msidBucket).Get([]byte(telarc.CanonicalName(name)))
		if buf == nil {
			return fmt.Errorf("%s: %w", name, telarc.ErrUnknownMSID)
		}
		m = &telarc.MSID{}
		return json.Unmarshal(buf, m)
	})
	return m, err
}

// MSIDNames returns every known MSID name in sorted order.
func (s *Store) MSIDNames() ([]string, error) {
	var names []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(msidBucket).ForEach(func(k, _ []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	return names, err
}

// PutContent inserts or replaces a content-type definition, preserving any
// member list already accumulated through PutMSID.
func (s *Store) PutContent(ct *telarc.ContentType) error {
	stored := *ct
	stored.Name = telarc.CanonicalContent(ct.Name)
	if stored.Name == "" {
		return fmt.Errorf("content requires a name")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		existing, err := getContent(tx, stored.Name)
		if err != nil {
			return err
		}
		if existing != nil && len(stored.MSIDs) == 0 {
			stored.MSIDs = existing.MSIDs
		}
		sort.Strings(stored.MSIDs)
		return putContent(tx, &stored)
	})
}

// Content returns the definition for a content type, or ErrUnknownContent.
func (s *Store) Content(name string) (*telarc.ContentType, error) {
	var ct *telarc.ContentType
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		ct, err = getContent(tx, telarc.CanonicalContent(name))
		if err != nil {
			return err
		}
		if ct == nil {
			return fmt.Errorf("%s: %w", name, telarc.ErrUnknownContent)
		}
		return nil
	})
	return ct, err
}

// ContentMSIDs returns the full definitions of every MSID in a content, in
// sorted name order.
func (s *Store) ContentMSIDs(name string) ([]*telarc.MSID, error) {
	ct, err := s.Content(name)
	if err != nil {
		return nil, err
	}
	msids := make([]*telarc.MSID, 0, len(ct.MSIDs))
	for _, mn := range ct.MSIDs {
		m, err := s.MSID(mn)
		if err != nil {
			return nil, err
		}
		msids = append(msids, m)
	}
	return msids, nil
}

// ContentNames returns every known content name in sorted order.
func (s *Store) ContentNames() ([]string, error) {
	var names []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(contentBucket).ForEach(func(k, _ []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	return names, err
}

func getContent(tx *bolt.Tx, name string) (*telarc.ContentType, error) {
	buf := tx.Bucket(contentBucket).Get([]byte(name))
	if buf == nil {
		return nil, nil
	}
	ct := &telarc.ContentType{}
	if err := json.Unmarshal(buf, ct); err != nil {
		return nil, err
	}
	return ct, nil
}

func putContent(tx *bolt.Tx, ct *telarc.ContentType) error {
	buf, err := json.Marshal(ct)
	if err != nil {
		return err
	}
	return tx.Bucket(contentBucket).Put([]byte(ct.Name), buf)
}
