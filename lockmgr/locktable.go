package lockmgr

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var ErrGlobalHeld = errors.New("global lock already held")

const DefaultMaxJitter = 10 * time.Millisecond

type resourceKind uint8

const (
	kindGlobal resourceKind = iota + 1
	kindAddress
	kindType
)

// ResourceID names one lockable resource. The zero value is not valid; use
// Global, Address or Type.
type ResourceID struct {
	kind resourceKind
	addr common.Address
	typ  uint32
}

func Global() ResourceID {
	return ResourceID{kind: kindGlobal}
}

func Address(addr common.Address) ResourceID {
	return ResourceID{kind: kindAddress, addr: addr}
}

func Type(typ uint32) ResourceID {
	return ResourceID{kind: kindType, typ: typ}
}

func (r ResourceID) IsGlobal() bool {
	return r.kind == kindGlobal
}

func (r ResourceID) String() string {
	switch r.kind {
	case kindGlobal:
		return "global"
	case kindAddress:
		return "addr:" + hex.EncodeToString(r.addr[:])
	case kindType:
		return fmt.Sprintf("type:%d", r.typ)
	default:
		return "unknown"
	}
}

// LockTable hands out all-or-nothing sets of named locks. A held Global
// resource blocks every other acquisition, and Global itself can only be
// taken once nothing else is held.
type LockTable struct {
	lk   sync.Mutex
	held map[ResourceID]struct{}

	MaxJitter time.Duration
}

func NewLockTable() *LockTable {
	return &LockTable{
		held:      make(map[ResourceID]struct{}),
		MaxJitter: DefaultMaxJitter,
	}
}

// Guard releases the resources it was acquired with. Release may be called
// more than once.
type Guard struct {
	lt   *LockTable
	ids  []ResourceID
	once sync.Once
}

func (g *Guard) Release() {
	if g == nil {
		return
	}
	g.once.Do(func() {
		g.lt.release(g.ids)
	})
}

func (lt *LockTable) release(ids []ResourceID) {
	lt.lk.Lock()
	defer lt.lk.Unlock()
	for _, id := range ids {
		delete(lt.held, id)
	}
	heldKeys.Set(float64(len(lt.held)))
}

// TryAcquireAll marks every id held, or returns false without side effects
// if any id (or the global resource) is already held.
func (lt *LockTable) TryAcquireAll(ids ...ResourceID) (*Guard, bool) {
	lt.lk.Lock()
	defer lt.lk.Unlock()

	if _, ok := lt.held[Global()]; ok {
		return nil, false
	}
	wantsGlobal := false
	for _, id := range ids {
		if id.IsGlobal() {
			wantsGlobal = true
		}
		if _, ok := lt.held[id]; ok {
			return nil, false
		}
	}
	if wantsGlobal && len(lt.held) > 0 {
		return nil, false
	}

	uniq := make([]ResourceID, 0, len(ids))
	for _, id := range ids {
		if _, ok := lt.held[id]; ok {
			continue
		}
		lt.held[id] = struct{}{}
		uniq = append(uniq, id)
	}
	heldKeys.Set(float64(len(lt.held)))
	return &Guard{lt: lt, ids: uniq}, true
}

// Acquire polls TryAcquireAll with a jittered delay until it succeeds. The
// context is only consulted between attempts.
func (lt *LockTable) Acquire(ctx context.Context, ids ...ResourceID) (*Guard, error) {
	for {
		if g, ok := lt.TryAcquireAll(ids...); ok {
			return g, nil
		}
		acquireRetries.Inc()
		if err := lt.backoff(ctx); err != nil {
			return nil, err
		}
	}
}

// AcquireGlobal takes the global resource immediately, so nothing new can be
// acquired, then waits for every other holder to release.
func (lt *LockTable) AcquireGlobal(ctx context.Context) (*Guard, error) {
	lt.lk.Lock()
	if _, ok := lt.held[Global()]; ok {
		lt.lk.Unlock()
		return nil, ErrGlobalHeld
	}
	lt.held[Global()] = struct{}{}
	heldKeys.Set(float64(len(lt.held)))
	lt.lk.Unlock()

	g := &Guard{lt: lt, ids: []ResourceID{Global()}}
	for lt.Held() > 1 {
		if err := lt.backoff(ctx); err != nil {
			g.Release()
			return nil, err
		}
	}
	return g, nil
}

// Held returns the number of resources currently held, the global one included.
func (lt *LockTable) Held() int {
	lt.lk.Lock()
	defer lt.lk.Unlock()
	return len(lt.held)
}

func (lt *LockTable) IsHeld(id ResourceID) bool {
	lt.lk.Lock()
	defer lt.lk.Unlock()
	_, ok := lt.held[id]
	return ok
}

func (lt *LockTable) backoff(ctx context.Context) error {
	var d time.Duration
	if lt.MaxJitter > 0 {
		d = time.Duration(rand.Int63n(int64(lt.MaxJitter)))
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
