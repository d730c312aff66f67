package store

import (
	"encoding/binary"

	"github.com/i5heu/ouroboros-docs/pkg/entry"
	"github.com/i5heu/ouroboros-docs/pkg/keys"
)

// Badger key layout. Every keyspace starts with a two-letter tag.
//
//	ns/<ns>                                   capability
//	au/<author>                               author seed
//	cf/default-author                         default author id
//	re/<ns><author><key>                      current signed entry
//	hi/<ns><author><u32 keylen><key><u64 ts><hash>  history
//	dp/<ns>                                   download policy
//	sp/<ns><node>                             last sync with peer (u64 micros)
var (
	tagNamespace = []byte("ns/")
	tagAuthor    = []byte("au/")
	tagRecord    = []byte("re/")
	tagHistory   = []byte("hi/")
	tagPolicy    = []byte("dp/")
	tagSyncPeer  = []byte("sp/")

	keyDefaultAuthor = []byte("cf/default-author")
)

const tagLen = 3

func join(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func namespaceKey(ns keys.NamespaceID) []byte { return join(tagNamespace, ns[:]) }
func authorKey(a keys.AuthorID) []byte        { return join(tagAuthor, a[:]) }
func policyKey(ns keys.NamespaceID) []byte    { return join(tagPolicy, ns[:]) }

func syncPeerKey(ns keys.NamespaceID, node keys.NodeID) []byte {
	return join(tagSyncPeer, ns[:], node[:])
}

func syncPeerPrefix(ns keys.NamespaceID) []byte { return join(tagSyncPeer, ns[:]) }

// recordPrefix is the start of all current entries of ns. What follows it
// is author‖key, the reconciliation sort key.
func recordPrefix(ns keys.NamespaceID) []byte { return join(tagRecord, ns[:]) }

func recordKey(ns keys.NamespaceID, author keys.AuthorID, key []byte) []byte {
	return join(tagRecord, ns[:], author[:], key)
}

func historyPrefix(ns keys.NamespaceID) []byte { return join(tagHistory, ns[:]) }

func historyEntryPrefix(ns keys.NamespaceID, author keys.AuthorID, key []byte) []byte {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(key)))
	return join(tagHistory, ns[:], author[:], l[:], key)
}

func historyKey(e entry.Entry) []byte {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], e.Timestamp)
	return join(historyEntryPrefix(e.Namespace, e.Author, e.Key), ts[:], e.Hash[:])
}

// sortKeyFromRecord strips the tag and namespace from a record key.
func sortKeyFromRecord(k []byte) []byte {
	return k[tagLen+keys.Size:]
}
