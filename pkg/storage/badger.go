package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/orneryd/mimir/pkg/graph"
)

// Key prefixes for BadgerDB storage organization.
// Single-byte prefixes keep keys compact and prefix scans cheap.
const (
	prefixNode          = byte(0x01) // node:nodeID -> storedNode
	prefixEdge          = byte(0x02) // edge:edgeID -> storedEdge
	prefixTypeIndex     = byte(0x03) // type:nodeType \x00 nodeID -> {}
	prefixOutgoingIndex = byte(0x04) // out:nodeID \x00 edgeID -> {}
	prefixIncomingIndex = byte(0x05) // in:nodeID \x00 edgeID -> {}
)

const keySeparator = byte(0x00)

// BadgerEngine is a persistent graph storage engine on badger/v4.
//
// Nodes, edges, embeddings, lock fields, and watch configs all persist
// through this engine; embeddings are serialized inline with their node
// so a restart recovers the vector index without re-embedding.
//
// Writes execute inside badger transactions, so a node delete and its
// edge cascade are atomic. A coarse write mutex serializes mutating
// transactions; that keeps UpdateNodeIf's read-check-write linearizable
// per node without retry loops on badger conflict errors.
type BadgerEngine struct {
	db *badger.DB

	// writeMu serializes read-modify-write transactions.
	writeMu sync.Mutex

	closed bool
	mu     sync.RWMutex
}

// storedNode is the on-disk node representation.
type storedNode struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
	Created    time.Time      `json:"created"`
	Updated    time.Time      `json:"updated"`
	Embedding  []float32      `json:"embedding,omitempty"`
}

// storedEdge is the on-disk edge representation.
type storedEdge struct {
	ID         string         `json:"id"`
	Source     string         `json:"source"`
	Target     string         `json:"target"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
	Created    time.Time      `json:"created"`
}

// NewBadgerEngine opens (or creates) a persistent engine at dataDir.
func NewBadgerEngine(dataDir string) (*BadgerEngine, error) {
	opts := badger.DefaultOptions(dataDir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", dataDir, err)
	}
	return &BadgerEngine{db: db}, nil
}

// NewBadgerEngineInMemory opens a badger engine without disk persistence.
// Useful in tests that need the badger code path.
func NewBadgerEngineInMemory() (*BadgerEngine, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open in-memory badger: %w", err)
	}
	return &BadgerEngine{db: db}, nil
}

func nodeKey(id string) []byte {
	return append([]byte{prefixNode}, id...)
}

func edgeKey(id string) []byte {
	return append([]byte{prefixEdge}, id...)
}

func indexKey(prefix byte, left, right string) []byte {
	key := make([]byte, 0, 2+len(left)+len(right))
	key = append(key, prefix)
	key = append(key, left...)
	key = append(key, keySeparator)
	key = append(key, right...)
	return key
}

func indexPrefix(prefix byte, left string) []byte {
	key := make([]byte, 0, 2+len(left))
	key = append(key, prefix)
	key = append(key, left...)
	key = append(key, keySeparator)
	return key
}

// indexSuffix extracts the trailing id from an index key.
func indexSuffix(key []byte) string {
	if idx := bytes.IndexByte(key[1:], keySeparator); idx >= 0 {
		return string(key[idx+2:])
	}
	return ""
}

func encodeNode(n *graph.Node) ([]byte, error) {
	return json.Marshal(storedNode{
		ID:         n.ID,
		Type:       string(n.Type),
		Properties: n.Properties,
		Created:    n.Created,
		Updated:    n.Updated,
		Embedding:  n.Embedding,
	})
}

func decodeNode(data []byte) (*graph.Node, error) {
	var sn storedNode
	if err := json.Unmarshal(data, &sn); err != nil {
		return nil, fmt.Errorf("decode node: %w", err)
	}
	return &graph.Node{
		ID:         sn.ID,
		Type:       graph.NodeType(sn.Type),
		Properties: sn.Properties,
		Created:    sn.Created,
		Updated:    sn.Updated,
		Embedding:  sn.Embedding,
	}, nil
}

func encodeEdge(e *graph.Edge) ([]byte, error) {
	return json.Marshal(storedEdge{
		ID:         e.ID,
		Source:     e.Source,
		Target:     e.Target,
		Type:       string(e.Type),
		Properties: e.Properties,
		Created:    e.Created,
	})
}

func decodeEdge(data []byte) (*graph.Edge, error) {
	var se storedEdge
	if err := json.Unmarshal(data, &se); err != nil {
		return nil, fmt.Errorf("decode edge: %w", err)
	}
	return &graph.Edge{
		ID:         se.ID,
		Source:     se.Source,
		Target:     se.Target,
		Type:       graph.EdgeType(se.Type),
		Properties: se.Properties,
		Created:    se.Created,
	}, nil
}

func (b *BadgerEngine) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

// CreateNode stores a new node.
func (b *BadgerEngine) CreateNode(node *graph.Node) error {
	if node == nil {
		return ErrInvalidData
	}
	if node.ID == "" {
		return ErrInvalidID
	}
	if err := b.checkOpen(); err != nil {
		return err
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	return b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(nodeKey(node.ID)); err == nil {
			return ErrAlreadyExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		data, err := encodeNode(node)
		if err != nil {
			return err
		}
		if err := txn.Set(nodeKey(node.ID), data); err != nil {
			return err
		}
		return txn.Set(indexKey(prefixTypeIndex, string(node.Type), node.ID), nil)
	})
}

// GetNode retrieves a node by id.
func (b *BadgerEngine) GetNode(id string) (*graph.Node, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var node *graph.Node
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(nodeKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		} else if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			node, err = decodeNode(val)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

// UpdateNode replaces the stored node.
func (b *BadgerEngine) UpdateNode(node *graph.Node) error {
	if node == nil {
		return ErrInvalidData
	}
	if node.ID == "" {
		return ErrInvalidID
	}
	if err := b.checkOpen(); err != nil {
		return err
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	return b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(nodeKey(node.ID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		} else if err != nil {
			return err
		}

		var prev *graph.Node
		if err := item.Value(func(val []byte) error {
			prev, err = decodeNode(val)
			return err
		}); err != nil {
			return err
		}
		if prev.Type != node.Type {
			if err := txn.Delete(indexKey(prefixTypeIndex, string(prev.Type), node.ID)); err != nil {
				return err
			}
			if err := txn.Set(indexKey(prefixTypeIndex, string(node.Type), node.ID), nil); err != nil {
				return err
			}
		}

		data, err := encodeNode(node)
		if err != nil {
			return err
		}
		return txn.Set(nodeKey(node.ID), data)
	})
}

// UpdateNodeIf applies mutate when cond holds, atomically.
func (b *BadgerEngine) UpdateNodeIf(id string, cond func(*graph.Node) bool, mutate func(*graph.Node)) (bool, error) {
	if id == "" {
		return false, ErrInvalidID
	}
	if err := b.checkOpen(); err != nil {
		return false, err
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	applied := false
	err := b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(nodeKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		} else if err != nil {
			return err
		}

		var node *graph.Node
		if err := item.Value(func(val []byte) error {
			node, err = decodeNode(val)
			return err
		}); err != nil {
			return err
		}
		if !cond(node) {
			return nil
		}
		mutate(node)
		data, err := encodeNode(node)
		if err != nil {
			return err
		}
		if err := txn.Set(nodeKey(id), data); err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

// DeleteNode removes the node and cascades incident edges in one
// transaction.
func (b *BadgerEngine) DeleteNode(id string) ([]string, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	var cascaded []string
	err := b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(nodeKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		} else if err != nil {
			return err
		}
		var node *graph.Node
		if err := item.Value(func(val []byte) error {
			node, err = decodeNode(val)
			return err
		}); err != nil {
			return err
		}

		edgeIDs, err := incidentEdgeIDs(txn, id)
		if err != nil {
			return err
		}
		for _, edgeID := range edgeIDs {
			if err := deleteEdgeInTxn(txn, edgeID); err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
		}
		cascaded = edgeIDs

		if err := txn.Delete(indexKey(prefixTypeIndex, string(node.Type), id)); err != nil {
			return err
		}
		return txn.Delete(nodeKey(id))
	})
	if err != nil {
		return nil, err
	}
	return cascaded, nil
}

// NodeEdgeCount returns the number of edges incident to the node.
func (b *BadgerEngine) NodeEdgeCount(id string) (int, error) {
	if err := b.checkOpen(); err != nil {
		return 0, err
	}
	count := 0
	err := b.db.View(func(txn *badger.Txn) error {
		if _, err := txn.Get(nodeKey(id)); errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		} else if err != nil {
			return err
		}
		ids, err := incidentEdgeIDs(txn, id)
		if err != nil {
			return err
		}
		count = len(ids)
		return nil
	})
	return count, err
}

// incidentEdgeIDs collects de-duplicated edge ids from both adjacency
// indexes inside an open transaction.
func incidentEdgeIDs(txn *badger.Txn, nodeID string) ([]string, error) {
	seen := make(map[string]struct{})
	var ids []string
	for _, p := range [][]byte{
		indexPrefix(prefixOutgoingIndex, nodeID),
		indexPrefix(prefixIncomingIndex, nodeID),
	} {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: p})
		for it.Rewind(); it.Valid(); it.Next() {
			edgeID := indexSuffix(it.Item().Key())
			if _, dup := seen[edgeID]; dup {
				continue
			}
			seen[edgeID] = struct{}{}
			ids = append(ids, edgeID)
		}
		it.Close()
	}
	return ids, nil
}

func deleteEdgeInTxn(txn *badger.Txn, id string) error {
	item, err := txn.Get(edgeKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	} else if err != nil {
		return err
	}
	var edge *graph.Edge
	if err := item.Value(func(val []byte) error {
		edge, err = decodeEdge(val)
		return err
	}); err != nil {
		return err
	}
	if err := txn.Delete(indexKey(prefixOutgoingIndex, edge.Source, id)); err != nil {
		return err
	}
	if err := txn.Delete(indexKey(prefixIncomingIndex, edge.Target, id)); err != nil {
		return err
	}
	return txn.Delete(edgeKey(id))
}

// CreateEdge stores a new edge after verifying both endpoints exist.
func (b *BadgerEngine) CreateEdge(edge *graph.Edge) error {
	if edge == nil {
		return ErrInvalidData
	}
	if edge.ID == "" {
		return ErrInvalidID
	}
	if err := b.checkOpen(); err != nil {
		return err
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	return b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(edgeKey(edge.ID)); err == nil {
			return ErrAlreadyExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		for _, endpoint := range []string{edge.Source, edge.Target} {
			if _, err := txn.Get(nodeKey(endpoint)); errors.Is(err, badger.ErrKeyNotFound) {
				return ErrInvalidEdge
			} else if err != nil {
				return err
			}
		}

		data, err := encodeEdge(edge)
		if err != nil {
			return err
		}
		if err := txn.Set(edgeKey(edge.ID), data); err != nil {
			return err
		}
		if err := txn.Set(indexKey(prefixOutgoingIndex, edge.Source, edge.ID), nil); err != nil {
			return err
		}
		return txn.Set(indexKey(prefixIncomingIndex, edge.Target, edge.ID), nil)
	})
}

// GetEdge retrieves an edge by id.
func (b *BadgerEngine) GetEdge(id string) (*graph.Edge, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var edge *graph.Edge
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(edgeKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		} else if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			edge, err = decodeEdge(val)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return edge, nil
}

// DeleteEdge removes an edge by id.
func (b *BadgerEngine) DeleteEdge(id string) error {
	if id == "" {
		return ErrInvalidID
	}
	if err := b.checkOpen(); err != nil {
		return err
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	return b.db.Update(func(txn *badger.Txn) error {
		return deleteEdgeInTxn(txn, id)
	})
}

// NodesByType scans the type index and returns matching nodes.
func (b *BadgerEngine) NodesByType(t graph.NodeType) ([]*graph.Node, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var out []*graph.Node
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: indexPrefix(prefixTypeIndex, string(t))})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			id := indexSuffix(it.Item().Key())
			item, err := txn.Get(nodeKey(id))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue // stale index entry
			} else if err != nil {
				return err
			}
			if err := item.Value(func(val []byte) error {
				node, err := decodeNode(val)
				if err != nil {
					return err
				}
				out = append(out, node)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

// EdgesOf returns the edges incident to a node in the given direction.
func (b *BadgerEngine) EdgesOf(nodeID string, dir Direction) ([]*graph.Edge, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var out []*graph.Edge
	err := b.db.View(func(txn *badger.Txn) error {
		if _, err := txn.Get(nodeKey(nodeID)); errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		} else if err != nil {
			return err
		}

		var prefixes [][]byte
		switch dir {
		case DirectionOut:
			prefixes = [][]byte{indexPrefix(prefixOutgoingIndex, nodeID)}
		case DirectionIn:
			prefixes = [][]byte{indexPrefix(prefixIncomingIndex, nodeID)}
		default:
			prefixes = [][]byte{
				indexPrefix(prefixOutgoingIndex, nodeID),
				indexPrefix(prefixIncomingIndex, nodeID),
			}
		}

		seen := make(map[string]struct{})
		for _, p := range prefixes {
			it := txn.NewIterator(badger.IteratorOptions{Prefix: p})
			for it.Rewind(); it.Valid(); it.Next() {
				edgeID := indexSuffix(it.Item().Key())
				if _, dup := seen[edgeID]; dup {
					continue
				}
				seen[edgeID] = struct{}{}
				item, err := txn.Get(edgeKey(edgeID))
				if errors.Is(err, badger.ErrKeyNotFound) {
					continue
				} else if err != nil {
					it.Close()
					return err
				}
				if err := item.Value(func(val []byte) error {
					edge, err := decodeEdge(val)
					if err != nil {
						return err
					}
					out = append(out, edge)
					return nil
				}); err != nil {
					it.Close()
					return err
				}
			}
			it.Close()
		}
		return nil
	})
	return out, err
}

// StreamNodes iterates over all nodes in key order.
func (b *BadgerEngine) StreamNodes(ctx context.Context, fn func(*graph.Node) error) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte{prefixNode}, PrefetchValues: true, PrefetchSize: 64})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if err := it.Item().Value(func(val []byte) error {
				node, err := decodeNode(val)
				if err != nil {
					return err
				}
				return fn(node)
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// StreamEdges iterates over all edges in key order.
func (b *BadgerEngine) StreamEdges(ctx context.Context, fn func(*graph.Edge) error) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte{prefixEdge}, PrefetchValues: true, PrefetchSize: 64})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if err := it.Item().Value(func(val []byte) error {
				edge, err := decodeEdge(val)
				if err != nil {
					return err
				}
				return fn(edge)
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// NodeCount counts stored nodes by scanning the node prefix.
func (b *BadgerEngine) NodeCount() (int64, error) {
	return b.countPrefix([]byte{prefixNode})
}

// EdgeCount counts stored edges.
func (b *BadgerEngine) EdgeCount() (int64, error) {
	return b.countPrefix([]byte{prefixEdge})
}

func (b *BadgerEngine) countPrefix(prefix []byte) (int64, error) {
	if err := b.checkOpen(); err != nil {
		return 0, err
	}
	var count int64
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// CountsByType scans the type index for per-type node counts.
func (b *BadgerEngine) CountsByType() (map[graph.NodeType]int64, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	out := make(map[graph.NodeType]int64)
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte{prefixTypeIndex}})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			if idx := bytes.IndexByte(key[1:], keySeparator); idx >= 0 {
				out[graph.NodeType(key[1:idx+1])]++
			}
		}
		return nil
	})
	return out, err
}

// Close flushes and closes the underlying badger database.
func (b *BadgerEngine) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}
