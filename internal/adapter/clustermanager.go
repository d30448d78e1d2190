// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"

	ovirtsdk4 "github.com/ovirt/go-ovirt"

	"github.com/alexandremahdhaoui/vmshift/internal/types"
	"github.com/alexandremahdhaoui/vmshift/internal/util/tlsutil"
)

var (
	ErrConnect            = errors.New("connecting to management endpoint")
	ErrAuth               = errors.New("authenticating to management endpoint")
	ErrNotFound           = errors.New("resource not found")
	ErrActionRejected     = errors.New("action rejected")
	ErrUnexpectedResponse = errors.New("unexpected response from management endpoint")

	errEndpointURLRequired = errors.New("endpoint url must be specified")
	errBuildingTLSConfig   = errors.New("building tls config")
)

const defaultRequestTimeout = 60 * time.Second

// --------------------------------------------------- INTERFACE ---------------------------------------------------- //

// ClusterManager is an authenticated session to one site's management API.
//
// Mutating calls are never retried: a rejected action is returned as ErrActionRejected.
type ClusterManager interface {
	// FindVM looks a VM up by name. The returned handle carries the power state observed at fetch time.
	FindVM(ctx context.Context, name string) (types.VM, error)
	// GetPowerState re-fetches the VM and returns its current power state.
	GetPowerState(ctx context.Context, vm types.VM) (types.PowerState, error)
	FindStorageDomain(ctx context.Context, name string) (types.StorageDomain, error)
	FindDatacenter(ctx context.Context, name string) (types.Datacenter, error)
	FindCluster(ctx context.Context, name string) (types.Cluster, error)
	// ListStorageDomainVMs lists the VMs stored on an export storage domain.
	ListStorageDomainVMs(ctx context.Context, sd types.StorageDomain) ([]types.VM, error)

	Shutdown(ctx context.Context, vm types.VM) error
	Export(ctx context.Context, vm types.VM, dest types.StorageDomain, opts types.ActionOptions) error
	// Import imports a VM stored on the export domain src into dest, attaching it to cluster.
	Import(
		ctx context.Context,
		src types.StorageDomain,
		vm types.VM,
		dest types.StorageDomain,
		cluster types.Cluster,
		opts types.ActionOptions,
	) error
	Start(ctx context.Context, vm types.VM) error

	// Close terminates the session.
	Close(ctx context.Context) error
}

// Connector creates sessions against management endpoints.
type Connector interface {
	Connect(ctx context.Context, endpoint types.Endpoint) (ClusterManager, error)
}

// ---------------------------------------------------- ERRORS ------------------------------------------------------ //

// classify maps an error of the SDK onto the sentinels of this package.
//
// Faults other than authentication and missing resources are reported as fallback.
func classify(err error, fallback error) error {
	var (
		authErr     *ovirtsdk4.AuthError
		notFoundErr *ovirtsdk4.NotFoundError
		urlErr      *url.Error
		netErr      net.Error
	)

	switch {
	case errors.As(err, &authErr):
		return errors.Join(err, ErrAuth)
	case errors.As(err, &notFoundErr):
		return errors.Join(err, ErrNotFound)
	case errors.As(err, &urlErr), errors.As(err, &netErr):
		return errors.Join(err, ErrConnect)
	default:
		return errors.Join(err, fallback)
	}
}

// -------------------------------------------------- CONNECTOR ----------------------------------------------------- //

// NewConnector returns a Connector opening oVirt engine sessions.
func NewConnector() Connector {
	return &connector{}
}

type connector struct{}

// Connect authenticates against the endpoint and returns a session.
//
// The endpoint certificate is verified against endpoint.CAFile.
func (c *connector) Connect(ctx context.Context, endpoint types.Endpoint) (ClusterManager, error) {
	if endpoint.URL == "" {
		return nil, errors.Join(errEndpointURLRequired, ErrConnect)
	}

	// the SDK falls back to the system pool without a CA file: the trust anchor is checked here.
	if _, err := tlsutil.BuildClientTLSConfig(tlsutil.ClientConfig{ //nolint:exhaustruct
		CAPath:   endpoint.CAFile,
		Insecure: endpoint.Insecure,
	}); err != nil {
		return nil, errors.Join(err, errBuildingTLSConfig, ErrConnect)
	}

	builder := ovirtsdk4.NewConnectionBuilder().
		URL(strings.TrimSuffix(endpoint.URL, "/")).
		Username(endpoint.Username).
		Password(endpoint.Password).
		Insecure(endpoint.Insecure).
		Timeout(defaultRequestTimeout)

	if endpoint.CAFile != "" {
		builder = builder.CAFile(endpoint.CAFile)
	}

	conn, err := builder.Build()
	if err != nil {
		return nil, errors.Join(err, ErrConnect)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// the first call logs in.
	resp, err := conn.SystemService().Get().Send()
	if err != nil {
		if classified := classify(err, ErrConnect); errors.Is(classified, ErrAuth) {
			return nil, classified
		}

		return nil, errors.Join(err, ErrConnect)
	}

	product := ""
	if api, ok := resp.Api(); ok {
		if info, ok := api.ProductInfo(); ok {
			product, _ = info.Name()
		}
	}

	slog.InfoContext(ctx, "connected to management endpoint",
		"site", endpoint.Name,
		"url", endpoint.URL,
		"product", product,
	)

	return &session{name: endpoint.Name, conn: conn}, nil
}

// --------------------------------------------------- SESSION ------------------------------------------------------ //

type session struct {
	name string
	conn *ovirtsdk4.Connection
}

func (s *session) system() *ovirtsdk4.SystemService {
	return s.conn.SystemService()
}

// call runs send unless ctx is done. The SDK requests are bounded by the connection timeout only.
func (s *session) call(ctx context.Context, what string, send func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	slog.DebugContext(ctx, "calling management endpoint", "site", s.name, "call", what)

	return send()
}

func (s *session) FindVM(ctx context.Context, name string) (types.VM, error) {
	var resp *ovirtsdk4.VmsServiceListResponse

	if err := s.call(ctx, "list vms", func() (err error) {
		resp, err = s.system().VmsService().List().Search(searchByName(name)).Send()
		return err
	}); err != nil {
		return types.VM{}, classify(err, ErrUnexpectedResponse)
	}

	if vms, ok := resp.Vms(); ok {
		for _, vm := range vms.Slice() {
			if n, _ := vm.Name(); n == name {
				return toVM(vm), nil
			}
		}
	}

	return types.VM{}, fmt.Errorf("%w: vm %q on site %q", ErrNotFound, name, s.name)
}

func (s *session) GetPowerState(ctx context.Context, vm types.VM) (types.PowerState, error) {
	var resp *ovirtsdk4.VmServiceGetResponse

	if err := s.call(ctx, "get vm", func() (err error) {
		resp, err = s.system().VmsService().VmService(vm.ID).Get().Send()
		return err
	}); err != nil {
		return types.PowerStateUnknown, classify(err, ErrUnexpectedResponse)
	}

	out, ok := resp.Vm()
	if !ok {
		return types.PowerStateUnknown, fmt.Errorf("%w: vm %q has no body", ErrUnexpectedResponse, vm.ID)
	}

	return toVM(out).State, nil
}

func (s *session) FindStorageDomain(ctx context.Context, name string) (types.StorageDomain, error) {
	var resp *ovirtsdk4.StorageDomainsServiceListResponse

	if err := s.call(ctx, "list storage domains", func() (err error) {
		resp, err = s.system().StorageDomainsService().List().Search(searchByName(name)).Send()
		return err
	}); err != nil {
		return types.StorageDomain{}, classify(err, ErrUnexpectedResponse)
	}

	if sds, ok := resp.StorageDomains(); ok {
		for _, sd := range sds.Slice() {
			if n, _ := sd.Name(); n != name {
				continue
			}

			out := types.StorageDomain{Name: name} //nolint:exhaustruct
			out.ID, _ = sd.Id()

			if t, ok := sd.Type(); ok {
				out.Type = string(t)
			}

			if storage, ok := sd.Storage(); ok {
				out.Path, _ = storage.Path()
			}

			return out, nil
		}
	}

	return types.StorageDomain{}, fmt.Errorf("%w: storage domain %q on site %q", ErrNotFound, name, s.name)
}

func (s *session) FindDatacenter(ctx context.Context, name string) (types.Datacenter, error) {
	var resp *ovirtsdk4.DataCentersServiceListResponse

	if err := s.call(ctx, "list datacenters", func() (err error) {
		resp, err = s.system().DataCentersService().List().Search(searchByName(name)).Send()
		return err
	}); err != nil {
		return types.Datacenter{}, classify(err, ErrUnexpectedResponse)
	}

	if dcs, ok := resp.DataCenters(); ok {
		for _, dc := range dcs.Slice() {
			if n, _ := dc.Name(); n == name {
				id, _ := dc.Id()
				return types.Datacenter{ID: id, Name: name}, nil
			}
		}
	}

	return types.Datacenter{}, fmt.Errorf("%w: datacenter %q on site %q", ErrNotFound, name, s.name)
}

func (s *session) FindCluster(ctx context.Context, name string) (types.Cluster, error) {
	var resp *ovirtsdk4.ClustersServiceListResponse

	if err := s.call(ctx, "list clusters", func() (err error) {
		resp, err = s.system().ClustersService().List().Search(searchByName(name)).Send()
		return err
	}); err != nil {
		return types.Cluster{}, classify(err, ErrUnexpectedResponse)
	}

	if cls, ok := resp.Clusters(); ok {
		for _, cl := range cls.Slice() {
			if n, _ := cl.Name(); n == name {
				id, _ := cl.Id()
				return types.Cluster{ID: id, Name: name}, nil
			}
		}
	}

	return types.Cluster{}, fmt.Errorf("%w: cluster %q on site %q", ErrNotFound, name, s.name)
}

func (s *session) ListStorageDomainVMs(ctx context.Context, sd types.StorageDomain) ([]types.VM, error) {
	var resp *ovirtsdk4.StorageDomainVmsServiceListResponse

	if err := s.call(ctx, "list storage domain vms", func() (err error) {
		resp, err = s.system().StorageDomainsService().StorageDomainService(sd.ID).VmsService().List().Send()
		return err
	}); err != nil {
		return nil, classify(err, ErrUnexpectedResponse)
	}

	vms := make([]types.VM, 0)

	if out, ok := resp.Vm(); ok {
		for _, vm := range out.Slice() {
			vms = append(vms, toVM(vm))
		}
	}

	return vms, nil
}

func (s *session) Shutdown(ctx context.Context, vm types.VM) error {
	return s.action(ctx, "shutdown", func() error {
		_, err := s.system().VmsService().VmService(vm.ID).Shutdown().Send()
		return err
	})
}

func (s *session) Export(ctx context.Context, vm types.VM, dest types.StorageDomain, opts types.ActionOptions) error {
	sd, err := ovirtsdk4.NewStorageDomainBuilder().Id(dest.ID).Build()
	if err != nil {
		return err
	}

	req := s.system().VmsService().VmService(vm.ID).Export().StorageDomain(sd)

	if opts.Exclusive != nil {
		req.Exclusive(*opts.Exclusive)
	}

	if opts.DiscardSnapshots != nil {
		req.DiscardSnapshots(*opts.DiscardSnapshots)
	}

	return s.action(ctx, "export", func() error {
		_, err := req.Send()
		return err
	})
}

// Import does not support DiscardSnapshots: the import action has no such parameter.
func (s *session) Import(
	ctx context.Context,
	src types.StorageDomain,
	vm types.VM,
	dest types.StorageDomain,
	cluster types.Cluster,
	opts types.ActionOptions,
) error {
	sd, err := ovirtsdk4.NewStorageDomainBuilder().Id(dest.ID).Build()
	if err != nil {
		return err
	}

	cl, err := ovirtsdk4.NewClusterBuilder().Id(cluster.ID).Build()
	if err != nil {
		return err
	}

	req := s.system().StorageDomainsService().StorageDomainService(src.ID).
		VmsService().VmService(vm.ID).
		Import().
		StorageDomain(sd).
		Cluster(cl)

	if opts.Exclusive != nil {
		req.Exclusive(*opts.Exclusive)
	}

	return s.action(ctx, "import", func() error {
		_, err := req.Send()
		return err
	})
}

func (s *session) Start(ctx context.Context, vm types.VM) error {
	return s.action(ctx, "start", func() error {
		_, err := s.system().VmsService().VmService(vm.ID).Start().Send()
		return err
	})
}

// Close revokes the session token.
func (s *session) Close(ctx context.Context) error {
	if err := s.conn.Close(); err != nil {
		return classify(err, ErrUnexpectedResponse)
	}

	slog.InfoContext(ctx, "disconnected from management endpoint", "site", s.name)

	return nil
}

// action issues a mutating call. Any refusal by the endpoint is reported as ErrActionRejected.
func (s *session) action(ctx context.Context, name string, send func() error) error {
	if err := s.call(ctx, name, send); err != nil {
		if ctx.Err() != nil {
			return err
		}

		return classify(err, ErrActionRejected)
	}

	return nil
}

func toVM(vm *ovirtsdk4.Vm) types.VM {
	out := types.VM{State: types.PowerStateUnknown} //nolint:exhaustruct
	out.ID, _ = vm.Id()
	out.Name, _ = vm.Name()

	if status, ok := vm.Status(); ok {
		out.State = types.ParsePowerState(string(status))
	}

	return out
}

func searchByName(name string) string {
	return "name=" + name
}
