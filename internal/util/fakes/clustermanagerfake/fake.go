/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package clustermanagerfake provides in-memory adapter.ClusterManager and adapter.Connector implementations.
package clustermanagerfake

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/alexandremahdhaoui/vmshift/internal/adapter"
	"github.com/alexandremahdhaoui/vmshift/internal/types"
)

var _ adapter.ClusterManager = &Fake{}

// Fake is one site. Every read of a VM consumes one of its queued power states, the last one sticks.
type Fake struct {
	mu sync.Mutex

	vms            map[string]*types.VM
	queues         map[string][]types.PowerState
	storageDomains map[string]types.StorageDomain
	datacenters    map[string]types.Datacenter
	clusters       map[string]types.Cluster
	domainVMs      map[string][]types.VM

	errs    map[string]error
	next    map[string][]error
	ignored map[string]bool
	calls   []string
	reads   int
	closed  bool

	// OnImport runs after an import was accepted.
	OnImport func(vm types.VM)
}

// New returns an empty site.
func New() *Fake {
	return &Fake{ //nolint:exhaustruct
		vms:            make(map[string]*types.VM),
		queues:         make(map[string][]types.PowerState),
		storageDomains: make(map[string]types.StorageDomain),
		datacenters:    make(map[string]types.Datacenter),
		clusters:       make(map[string]types.Cluster),
		domainVMs:      make(map[string][]types.VM),
		errs:           make(map[string]error),
		next:           make(map[string][]error),
		ignored:        make(map[string]bool),
	}
}

// ---------------------------------------------------- SETUP ------------------------------------------------------- //

// AddVM registers vm. Further states are served by successive reads.
func (f *Fake) AddVM(vm types.VM, next ...types.PowerState) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.vms[vm.Name] = &vm
	f.queues[vm.ID] = append([]types.PowerState(nil), next...)

	return f
}

// QueueStates appends states served by successive reads of the VM with the given id.
func (f *Fake) QueueStates(id string, states ...types.PowerState) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.queues[id] = append(f.queues[id], states...)

	return f
}

func (f *Fake) AddStorageDomain(sd types.StorageDomain) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.storageDomains[sd.Name] = sd

	return f
}

func (f *Fake) AddDatacenter(dc types.Datacenter) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.datacenters[dc.Name] = dc

	return f
}

func (f *Fake) AddCluster(cl types.Cluster) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.clusters[cl.Name] = cl

	return f
}

// AddDomainVM lists vm on the storage domain sdID.
func (f *Fake) AddDomainVM(sdID string, vm types.VM) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.domainVMs[sdID] = append(f.domainVMs[sdID], vm)

	return f
}

// FailOn makes the operation fail with err. op is a method name, optionally suffixed with ":<vm name>", e.g.
// "Shutdown" or "Import:db".
func (f *Fake) FailOn(op string, err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.errs[op] = err

	return f
}

// FailNext makes the next calls of op fail with errs, one error per call. Later calls are served normally.
func (f *Fake) FailNext(op string, errs ...error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.next[op] = append(f.next[op], errs...)

	return f
}

// Ignore makes the mutating method succeed without any effect on the VM power state.
func (f *Fake) Ignore(method string) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.ignored[method] = true

	return f
}

// ------------------------------------------------- ASSERTIONS ----------------------------------------------------- //

// Calls returns the mutating calls received, formatted as "<method>:<vm name>".
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return slices.Clone(f.calls)
}

// CountCalls returns how many times the mutating method was called.
func (f *Fake) CountCalls(method string) int {
	count := 0

	for _, c := range f.Calls() {
		if c == method || len(c) > len(method) && c[:len(method)+1] == method+":" {
			count++
		}
	}

	return count
}

// Reads returns the number of VM reads served.
func (f *Fake) Reads() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.reads
}

// Closed returns true once Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.closed
}

// ------------------------------------------------ CLUSTERMANAGER -------------------------------------------------- //

func (f *Fake) FindVM(_ context.Context, name string) (types.VM, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.errLocked("FindVM", name); err != nil {
		return types.VM{}, err
	}

	vm, ok := f.vms[name]
	if !ok {
		return types.VM{}, fmt.Errorf("%w: vm %q", adapter.ErrNotFound, name)
	}

	return f.readLocked(vm), nil
}

func (f *Fake) GetPowerState(_ context.Context, vm types.VM) (types.PowerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.errLocked("GetPowerState", vm.Name); err != nil {
		return types.PowerStateUnknown, err
	}

	for _, v := range f.vms {
		if v.ID == vm.ID {
			return f.readLocked(v).State, nil
		}
	}

	return types.PowerStateUnknown, fmt.Errorf("%w: vm %q", adapter.ErrNotFound, vm.ID)
}

func (f *Fake) readLocked(vm *types.VM) types.VM {
	f.reads++

	if q := f.queues[vm.ID]; len(q) > 0 {
		vm.State, f.queues[vm.ID] = q[0], q[1:]
	}

	return *vm
}

func (f *Fake) FindStorageDomain(_ context.Context, name string) (types.StorageDomain, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	sd, ok := f.storageDomains[name]
	if !ok {
		return types.StorageDomain{}, fmt.Errorf("%w: storage domain %q", adapter.ErrNotFound, name)
	}

	return sd, nil
}

func (f *Fake) FindDatacenter(_ context.Context, name string) (types.Datacenter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	dc, ok := f.datacenters[name]
	if !ok {
		return types.Datacenter{}, fmt.Errorf("%w: datacenter %q", adapter.ErrNotFound, name)
	}

	return dc, nil
}

func (f *Fake) FindCluster(_ context.Context, name string) (types.Cluster, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cl, ok := f.clusters[name]
	if !ok {
		return types.Cluster{}, fmt.Errorf("%w: cluster %q", adapter.ErrNotFound, name)
	}

	return cl, nil
}

func (f *Fake) ListStorageDomainVMs(_ context.Context, sd types.StorageDomain) ([]types.VM, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.errLocked("ListStorageDomainVMs", ""); err != nil {
		return nil, err
	}

	return slices.Clone(f.domainVMs[sd.ID]), nil
}

func (f *Fake) Shutdown(_ context.Context, vm types.VM) error {
	return f.action("Shutdown", vm, types.PowerStatePoweringDown, types.PowerStateDown)
}

func (f *Fake) Export(_ context.Context, vm types.VM, dest types.StorageDomain, _ types.ActionOptions) error {
	if err := f.action("Export", vm, types.PowerStateImageLocked, types.PowerStateDown); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.domainVMs[dest.ID] = append(f.domainVMs[dest.ID], types.VM{ID: vm.ID, Name: vm.Name, State: types.PowerStateDown})

	return nil
}

func (f *Fake) Import(
	_ context.Context,
	_ types.StorageDomain,
	vm types.VM,
	_ types.StorageDomain,
	_ types.Cluster,
	_ types.ActionOptions,
) error {
	f.mu.Lock()
	f.calls = append(f.calls, "Import:"+vm.Name)

	if err := f.errLocked("Import", vm.Name); err != nil {
		f.mu.Unlock()
		return err
	}

	f.vms[vm.Name] = &types.VM{ID: vm.ID, Name: vm.Name, State: types.PowerStateImageLocked}
	f.queues[vm.ID] = []types.PowerState{types.PowerStateImageLocked, types.PowerStateDown}
	onImport := f.OnImport
	f.mu.Unlock()

	if onImport != nil {
		onImport(vm)
	}

	return nil
}

func (f *Fake) Start(_ context.Context, vm types.VM) error {
	return f.action("Start", vm, types.PowerStatePoweringUp, types.PowerStateUp)
}

func (f *Fake) Close(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true

	return nil
}

func (f *Fake) action(method string, vm types.VM, next ...types.PowerState) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, method+":"+vm.Name)

	if err := f.errLocked(method, vm.Name); err != nil {
		return err
	}

	if !f.ignored[method] {
		f.queues[vm.ID] = append(f.queues[vm.ID], next...)
	}

	return nil
}

func (f *Fake) errLocked(method, vmName string) error {
	for _, op := range []string{method + ":" + vmName, method} {
		if q := f.next[op]; len(q) > 0 {
			f.next[op] = q[1:]
			return q[0]
		}
	}

	if err, ok := f.errs[method+":"+vmName]; ok {
		return err
	}

	return f.errs[method]
}

// -------------------------------------------------- CONNECTOR ----------------------------------------------------- //

// Connector connects to the site registered under the endpoint's name.
type Connector struct {
	Sites map[string]*Fake
	// Errs fails the connection to the named site.
	Errs map[string]error
}

var _ adapter.Connector = &Connector{}

func (c *Connector) Connect(_ context.Context, endpoint types.Endpoint) (adapter.ClusterManager, error) { //nolint:ireturn
	if err, ok := c.Errs[endpoint.Name]; ok {
		return nil, err
	}

	site, ok := c.Sites[endpoint.Name]
	if !ok {
		return nil, fmt.Errorf("%w: no site %q", adapter.ErrConnect, endpoint.Name)
	}

	return site, nil
}
