package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"curvance/core/events"
	nativecommon "curvance/native/common"
)

// Role names a capability held by an address.
type Role string

const (
	RoleDAO       Role = "dao"
	RoleElevated  Role = "elevated"
	RoleLocking   Role = "locking"
	RoleHarvest   Role = "harvest"
	RoleMessaging Role = "messaging"
	RoleMarket    Role = "market"

	roleZapper  Role = "target/zapper"
	roleSwapper Role = "target/swapper"
)

var (
	ErrUnauthorized     = errors.New("registry: unauthorized")
	ErrInvalidParameter = errors.New("registry: invalid parameter")
)

var (
	checkerPrefix = []byte("registry/checker/")
	chainsKey     = []byte("registry/chains")
)

type registryState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
	SetRole(role string, addr []byte) error
	RemoveRole(role string, addr []byte) error
	RoleMembers(role string) ([][]byte, error)
	HasRole(role string, addr []byte) bool
	Snapshot() int
	RevertToSnapshot(id int)
}

// Registry is the capability object every component consults for
// permissions, approved external call targets and supported chains.
type Registry struct {
	state   registryState
	emitter events.Emitter
}

// New bootstraps the registry with the DAO address. Existing state is reused;
// the DAO address is only granted when no DAO member exists yet.
func New(state registryState, dao common.Address) (*Registry, error) {
	if state == nil {
		return nil, fmt.Errorf("registry: state required")
	}
	r := &Registry{state: state, emitter: events.NoopEmitter{}}
	members, err := state.RoleMembers(string(RoleDAO))
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		if dao == (common.Address{}) {
			return nil, fmt.Errorf("%w: dao address required", ErrInvalidParameter)
		}
		if err := state.SetRole(string(RoleDAO), dao.Bytes()); err != nil {
			return nil, err
		}
		if err := state.SetRole(string(RoleElevated), dao.Bytes()); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// SetEmitter wires the event sink.
func (r *Registry) SetEmitter(emitter events.Emitter) {
	if r == nil {
		return
	}
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	r.emitter = emitter
}

func (r *Registry) has(role Role, addr common.Address) bool {
	if r == nil || r.state == nil || addr == (common.Address{}) {
		return false
	}
	return r.state.HasRole(string(role), addr.Bytes())
}

func (r *Registry) HasDaoPermissions(addr common.Address) bool      { return r.has(RoleDAO, addr) }
func (r *Registry) HasElevatedPermissions(addr common.Address) bool { return r.has(RoleElevated, addr) }
func (r *Registry) HasLockingPermissions(addr common.Address) bool  { return r.has(RoleLocking, addr) }
func (r *Registry) HasHarvestPermissions(addr common.Address) bool  { return r.has(RoleHarvest, addr) }
func (r *Registry) HasMessagingPermissions(addr common.Address) bool {
	return r.has(RoleMessaging, addr)
}
func (r *Registry) HasMarketPermissions(addr common.Address) bool { return r.has(RoleMarket, addr) }

// HasRole reports membership for an arbitrary role.
func (r *Registry) HasRole(role Role, addr common.Address) bool { return r.has(role, addr) }

// Members lists the addresses holding role.
func (r *Registry) Members(role Role) ([]common.Address, error) {
	raw, err := r.state.RoleMembers(string(role))
	if err != nil {
		return nil, err
	}
	out := make([]common.Address, 0, len(raw))
	for _, member := range raw {
		out = append(out, common.BytesToAddress(member))
	}
	return out, nil
}

func (r *Registry) requireFor(role Role, caller common.Address) error {
	if role == RoleElevated || role == RoleDAO {
		if !r.HasElevatedPermissions(caller) {
			return ErrUnauthorized
		}
		return nil
	}
	if !r.HasDaoPermissions(caller) {
		return ErrUnauthorized
	}
	return nil
}

// Grant assigns role to account. Granting elevated also grants DAO.
func (r *Registry) Grant(caller common.Address, role Role, account common.Address) error {
	role = Role(strings.TrimSpace(string(role)))
	if role == "" || account == (common.Address{}) {
		return ErrInvalidParameter
	}
	if err := r.requireFor(role, caller); err != nil {
		return err
	}
	return nativecommon.Atomic(r.state, r.emitter, func() error {
		if err := r.state.SetRole(string(role), account.Bytes()); err != nil {
			return err
		}
		if role == RoleElevated {
			if err := r.state.SetRole(string(RoleDAO), account.Bytes()); err != nil {
				return err
			}
		}
		r.emitter.Emit(events.RoleChanged{Role: string(role), Account: account})
		return nil
	})
}

// Revoke removes role from account. The last DAO member cannot be removed.
func (r *Registry) Revoke(caller common.Address, role Role, account common.Address) error {
	if err := r.requireFor(role, caller); err != nil {
		return err
	}
	if role == RoleDAO {
		members, err := r.Members(RoleDAO)
		if err != nil {
			return err
		}
		if len(members) <= 1 && r.has(RoleDAO, account) {
			return fmt.Errorf("%w: cannot remove the last dao member", ErrInvalidParameter)
		}
	}
	return nativecommon.Atomic(r.state, r.emitter, func() error {
		if err := r.state.RemoveRole(string(role), account.Bytes()); err != nil {
			return err
		}
		if role == RoleDAO {
			if err := r.state.RemoveRole(string(RoleElevated), account.Bytes()); err != nil {
				return err
			}
		}
		r.emitter.Emit(events.RoleChanged{Role: string(role), Account: account, Revoked: true})
		return nil
	})
}

func (r *Registry) setTarget(caller common.Address, role Role, target common.Address, remove bool) error {
	if !r.HasDaoPermissions(caller) {
		return ErrUnauthorized
	}
	if target == (common.Address{}) {
		return ErrInvalidParameter
	}
	kind := strings.TrimPrefix(string(role), "target/")
	return nativecommon.Atomic(r.state, r.emitter, func() error {
		var err error
		if remove {
			if !r.has(role, target) {
				return fmt.Errorf("%w: %s %s not approved", ErrInvalidParameter, kind, target.Hex())
			}
			err = r.state.RemoveRole(string(role), target.Bytes())
		} else {
			err = r.state.SetRole(string(role), target.Bytes())
		}
		if err != nil {
			return err
		}
		r.emitter.Emit(events.TargetChanged{Kind: kind, Target: target, Removed: remove})
		return nil
	})
}

func (r *Registry) AddZapper(caller, target common.Address) error {
	return r.setTarget(caller, roleZapper, target, false)
}

func (r *Registry) RemoveZapper(caller, target common.Address) error {
	return r.setTarget(caller, roleZapper, target, true)
}

func (r *Registry) AddSwapper(caller, target common.Address) error {
	return r.setTarget(caller, roleSwapper, target, false)
}

func (r *Registry) RemoveSwapper(caller, target common.Address) error {
	return r.setTarget(caller, roleSwapper, target, true)
}

func (r *Registry) IsZapper(target common.Address) bool  { return r.has(roleZapper, target) }
func (r *Registry) IsSwapper(target common.Address) bool { return r.has(roleSwapper, target) }

func checkerKey(target common.Address) []byte {
	return append(append([]byte(nil), checkerPrefix...), target.Bytes()...)
}

// SetCalldataChecker binds a call-data checker id to an approved target. A
// zero checker removes the binding.
func (r *Registry) SetCalldataChecker(caller, target, checker common.Address) error {
	if !r.HasDaoPermissions(caller) {
		return ErrUnauthorized
	}
	if target == (common.Address{}) {
		return ErrInvalidParameter
	}
	return nativecommon.Atomic(r.state, r.emitter, func() error {
		if checker == (common.Address{}) {
			return r.state.KVDelete(checkerKey(target))
		}
		return r.state.KVPut(checkerKey(target), checker)
	})
}

// CalldataChecker returns the checker bound to target.
func (r *Registry) CalldataChecker(target common.Address) (common.Address, bool) {
	var checker common.Address
	ok, err := r.state.KVGet(checkerKey(target), &checker)
	if err != nil || !ok {
		return common.Address{}, false
	}
	return checker, true
}

// Chains lists the supported remote chain identifiers in ascending order.
func (r *Registry) Chains() []uint64 {
	var chains []uint64
	if _, err := r.state.KVGet(chainsKey, &chains); err != nil {
		return nil
	}
	return chains
}

// IsSupportedChain reports whether chainID is a supported remote chain.
func (r *Registry) IsSupportedChain(chainID uint64) bool {
	for _, id := range r.Chains() {
		if id == chainID {
			return true
		}
	}
	return false
}

// AddChain registers a remote chain.
func (r *Registry) AddChain(caller common.Address, chainID uint64) error {
	if !r.HasElevatedPermissions(caller) {
		return ErrUnauthorized
	}
	if chainID == 0 {
		return ErrInvalidParameter
	}
	if r.IsSupportedChain(chainID) {
		return fmt.Errorf("%w: chain %d already supported", ErrInvalidParameter, chainID)
	}
	chains := append(r.Chains(), chainID)
	sort.Slice(chains, func(i, j int) bool { return chains[i] < chains[j] })
	return nativecommon.Atomic(r.state, r.emitter, func() error {
		return r.state.KVPut(chainsKey, chains)
	})
}

// RemoveChain drops a remote chain.
func (r *Registry) RemoveChain(caller common.Address, chainID uint64) error {
	if !r.HasElevatedPermissions(caller) {
		return ErrUnauthorized
	}
	if !r.IsSupportedChain(chainID) {
		return fmt.Errorf("%w: chain %d not supported", ErrInvalidParameter, chainID)
	}
	existing := r.Chains()
	chains := make([]uint64, 0, len(existing))
	for _, id := range existing {
		if id != chainID {
			chains = append(chains, id)
		}
	}
	return nativecommon.Atomic(r.state, r.emitter, func() error {
		if len(chains) == 0 {
			return r.state.KVDelete(chainsKey)
		}
		return r.state.KVPut(chainsKey, chains)
	})
}
