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

// Package managementapifake serves an in-memory oVirt engine over TLS: the SSO token endpoint and the XML REST API.
//
// Lifecycle actions drive the VM through the state sequence a real site would report: each GET of a VM consumes
// one queued state, the last one sticks.
package managementapifake

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/alexandremahdhaoui/vmshift/internal/types"
	"github.com/alexandremahdhaoui/vmshift/internal/util/httputil"
	"github.com/alexandremahdhaoui/vmshift/internal/util/testutil"
)

const (
	Username    = "admin@internal"
	Password    = "password"
	ProductName = "oVirt Engine"

	// APIPath is the path of the REST API root.
	APIPath = "/ovirt-engine/api"

	tokenPath  = "/ovirt-engine/sso/oauth/token"
	logoutPath = "/ovirt-engine/services/sso-logout"
)

// Call is a request received by the fake. Action is set for action requests.
type Call struct {
	Method string
	Path   string
	Action *Action
}

// Action is the body of an action request.
type Action struct {
	XMLName          xml.Name `xml:"action"`
	StorageDomain    *Ref     `xml:"storage_domain"`
	Cluster          *Ref     `xml:"cluster"`
	Exclusive        *bool    `xml:"exclusive"`
	DiscardSnapshots *bool    `xml:"discard_snapshots"`
	Status           string   `xml:"status,omitempty"`
}

// Ref references an entity by id.
type Ref struct {
	ID string `xml:"id,attr"`
}

type vm struct {
	types.VM
	queue []types.PowerState
}

// Fake is an in-memory management endpoint.
type Fake struct {
	mu sync.Mutex

	vms            map[string]*vm
	storageDomains []types.StorageDomain
	datacenters    []types.Datacenter
	clusters       []types.Cluster
	domainVMs      map[string][]types.VM
	rejections     map[string]httputil.Fault
	tokens         map[string]bool
	logins         int
	calls          []Call
	loggedOut      bool
}

// New returns an empty fake.
func New() *Fake {
	return &Fake{ //nolint:exhaustruct
		vms:        make(map[string]*vm),
		domainVMs:  make(map[string][]types.VM),
		rejections: make(map[string]httputil.Fault),
		tokens:     make(map[string]bool),
	}
}

// Start serves the fake over TLS with a certificate signed by ca. It returns the API URL.
func (f *Fake) Start(tb testing.TB, ca *testutil.TestCA) string {
	tb.Helper()

	_, url := testutil.NewTLSServer(tb, ca, f.Handler())

	return url + APIPath
}

// ---------------------------------------------------- SETUP ------------------------------------------------------- //

// AddVM registers a VM. Further states are queued and served by successive reads.
func (f *Fake) AddVM(id, name string, state types.PowerState, next ...types.PowerState) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.vms[id] = &vm{VM: types.VM{ID: id, Name: name, State: state}, queue: next}

	return f
}

// QueueStates appends states served by successive reads of the VM.
func (f *Fake) QueueStates(id string, states ...types.PowerState) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()

	if v, ok := f.vms[id]; ok {
		v.queue = append(v.queue, states...)
	}

	return f
}

// AddStorageDomain registers a storage domain.
func (f *Fake) AddStorageDomain(sd types.StorageDomain) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.storageDomains = append(f.storageDomains, sd)

	return f
}

// AddDatacenter registers a datacenter.
func (f *Fake) AddDatacenter(dc types.Datacenter) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.datacenters = append(f.datacenters, dc)

	return f
}

// AddCluster registers a cluster.
func (f *Fake) AddCluster(cl types.Cluster) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.clusters = append(f.clusters, cl)

	return f
}

// AddDomainVM lists a VM on the storage domain sdID.
func (f *Fake) AddDomainVM(sdID string, v types.VM) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.domainVMs[sdID] = append(f.domainVMs[sdID], v)

	return f
}

// Reject makes every action on path fail with a 409 and the given fault reason. path is relative to APIPath.
func (f *Fake) Reject(path, reason string) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.rejections[APIPath+path] = httputil.Fault{ //nolint:exhaustruct
		Reason: reason,
		Detail: "Cannot perform action. Related operation is currently in progress.",
	}

	return f
}

// ------------------------------------------------- ASSERTIONS ----------------------------------------------------- //

// Calls returns the received requests matching method and path, relative to APIPath. An empty path matches every
// path.
func (f *Fake) Calls(method, path string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]Call, 0)

	for _, c := range f.calls {
		if c.Method == method && (path == "" || c.Path == APIPath+path) {
			out = append(out, c)
		}
	}

	return out
}

// Logins returns the number of tokens issued.
func (f *Fake) Logins() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.logins
}

// LoggedOut returns true once a session token was revoked.
func (f *Fake) LoggedOut() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.loggedOut
}

// VM returns the current view of a VM, without consuming its queue.
func (f *Fake) VM(id string) (types.VM, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	v, ok := f.vms[id]
	if !ok {
		return types.VM{}, false
	}

	return v.VM, true
}

// --------------------------------------------------- HANDLER ------------------------------------------------------ //

// Handler returns the handler of the fake. API calls must carry a token issued by the SSO endpoint.
func (f *Fake) Handler() http.Handler {
	api := http.NewServeMux()

	api.HandleFunc("GET "+APIPath, f.getAPI)
	api.HandleFunc("GET "+APIPath+"/vms", f.listVMs)
	api.HandleFunc("GET "+APIPath+"/vms/{id}", f.getVM)
	api.HandleFunc("POST "+APIPath+"/vms/{id}/{action}", f.vmAction)
	api.HandleFunc("GET "+APIPath+"/storagedomains", f.listStorageDomains)
	api.HandleFunc("GET "+APIPath+"/storagedomains/{id}/vms", f.listDomainVMs)
	api.HandleFunc("POST "+APIPath+"/storagedomains/{sd}/vms/{id}/import", f.importVM)
	api.HandleFunc("GET "+APIPath+"/datacenters", f.listDatacenters)
	api.HandleFunc("GET "+APIPath+"/clusters", f.listClusters)

	mux := http.NewServeMux()
	mux.HandleFunc(tokenPath, f.issueToken)
	mux.HandleFunc(logoutPath, f.revokeToken)
	mux.Handle(APIPath, httputil.BearerAuth(api, f.validToken))
	mux.Handle(APIPath+"/", httputil.BearerAuth(api, f.validToken))

	return f.record(mux)
}

func (f *Fake) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := Call{Method: r.Method, Path: r.URL.Path, Action: nil}

		if r.Body != nil && r.Method == http.MethodPost {
			b, err := io.ReadAll(r.Body)
			if err != nil {
				httputil.WriteXML(w, http.StatusBadRequest, httputil.Fault{Reason: "Bad Request", Detail: err.Error()}) //nolint:exhaustruct
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(b))

			action := new(Action)
			if strings.HasPrefix(r.URL.Path, APIPath) && xml.Unmarshal(b, action) == nil {
				call.Action = action
			}
		}

		f.mu.Lock()
		f.calls = append(f.calls, call)
		f.mu.Unlock()

		next.ServeHTTP(w, r)
	})
}

// ---------------------------------------------------- SSO --------------------------------------------------------- //

type ssoResponse struct {
	AccessToken string `json:"access_token,omitempty"`
	TokenType   string `json:"token_type,omitempty"`
	Error       string `json:"error,omitempty"`
	ErrorCode   string `json:"error_code,omitempty"`
}

func (f *Fake) issueToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, ssoResponse{Error: err.Error(), ErrorCode: "invalid_request"}) //nolint:exhaustruct
		return
	}

	if r.Form.Get("grant_type") != "password" ||
		r.Form.Get("username") != Username ||
		r.Form.Get("password") != Password {
		httputil.WriteJSON(w, http.StatusUnauthorized, ssoResponse{ //nolint:exhaustruct
			Error:     fmt.Sprintf("Cannot authenticate user '%s': invalid credentials", r.Form.Get("username")),
			ErrorCode: "access_denied",
		})

		return
	}

	token := uuid.NewString()

	f.mu.Lock()
	f.tokens[token] = true
	f.logins++
	f.mu.Unlock()

	httputil.WriteJSON(w, http.StatusOK, ssoResponse{AccessToken: token, TokenType: "bearer"}) //nolint:exhaustruct
}

func (f *Fake) revokeToken(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()

	f.mu.Lock()
	delete(f.tokens, r.Form.Get("token"))
	f.loggedOut = true
	f.mu.Unlock()

	httputil.WriteJSON(w, http.StatusOK, struct{}{})
}

func (f *Fake) validToken(token string, _ *http.Request) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.tokens[token], nil
}

// ---------------------------------------------------- API --------------------------------------------------------- //

type xmlAPI struct {
	XMLName     xml.Name `xml:"api"`
	ProductName string   `xml:"product_info>name"`
}

type xmlVM struct {
	XMLName xml.Name `xml:"vm"`
	ID      string   `xml:"id,attr"`
	Name    string   `xml:"name"`
	Status  string   `xml:"status"`
}

type xmlVMs struct {
	XMLName xml.Name `xml:"vms"`
	VMs     []xmlVM
}

type xmlStorageDomain struct {
	XMLName xml.Name `xml:"storage_domain"`
	ID      string   `xml:"id,attr"`
	Name    string   `xml:"name"`
	Type    string   `xml:"type"`
	Path    string   `xml:"storage>path"`
}

type xmlStorageDomains struct {
	XMLName        xml.Name `xml:"storage_domains"`
	StorageDomains []xmlStorageDomain
}

type xmlNamed struct {
	ID   string `xml:"id,attr"`
	Name string `xml:"name"`
}

type xmlDatacenters struct {
	XMLName     xml.Name   `xml:"data_centers"`
	Datacenters []xmlNamed `xml:"data_center"`
}

type xmlClusters struct {
	XMLName  xml.Name   `xml:"clusters"`
	Clusters []xmlNamed `xml:"cluster"`
}

func notFound(w http.ResponseWriter, r *http.Request) {
	httputil.WriteXML(w, http.StatusNotFound, httputil.Fault{Reason: "Not Found", Detail: r.URL.Path}) //nolint:exhaustruct
}

func (f *Fake) getAPI(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteXML(w, http.StatusOK, xmlAPI{ProductName: ProductName}) //nolint:exhaustruct
}

func (f *Fake) listVMs(w http.ResponseWriter, r *http.Request) {
	name := searchedName(r)

	f.mu.Lock()
	defer f.mu.Unlock()

	out := xmlVMs{} //nolint:exhaustruct

	for _, v := range f.vms {
		if name == "" || v.Name == name {
			out.VMs = append(out.VMs, f.readLocked(v))
		}
	}

	httputil.WriteXML(w, http.StatusOK, out)
}

func (f *Fake) getVM(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	v, ok := f.vms[r.PathValue("id")]
	if !ok {
		notFound(w, r)
		return
	}

	httputil.WriteXML(w, http.StatusOK, f.readLocked(v))
}

// readLocked serves the next queued state of the VM.
func (f *Fake) readLocked(v *vm) xmlVM {
	if len(v.queue) > 0 {
		v.State, v.queue = v.queue[0], v.queue[1:]
	}

	return xmlVM{ID: v.ID, Name: v.Name, Status: string(v.State)} //nolint:exhaustruct
}

func (f *Fake) vmAction(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if fault, ok := f.rejections[r.URL.Path]; ok {
		httputil.WriteXML(w, http.StatusConflict, fault)
		return
	}

	v, ok := f.vms[r.PathValue("id")]
	if !ok {
		notFound(w, r)
		return
	}

	switch action := r.PathValue("action"); action {
	case "shutdown":
		v.queue = append(v.queue, types.PowerStatePoweringDown, types.PowerStateDown)
	case "export":
		v.queue = append(v.queue, types.PowerStateImageLocked, types.PowerStateDown)
	case "start":
		v.queue = append(v.queue, types.PowerStatePoweringUp, types.PowerStateUp)
	default:
		httputil.WriteXML(w, http.StatusBadRequest, httputil.Fault{Reason: "Bad Request", Detail: action}) //nolint:exhaustruct
		return
	}

	httputil.WriteXML(w, http.StatusOK, Action{Status: "complete"}) //nolint:exhaustruct
}

// importVM creates the VM on this site from its export storage domain entry.
func (f *Fake) importVM(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if fault, ok := f.rejections[r.URL.Path]; ok {
		httputil.WriteXML(w, http.StatusConflict, fault)
		return
	}

	id := r.PathValue("id")

	var entry *types.VM

	for _, v := range f.domainVMs[r.PathValue("sd")] {
		if v.ID == id {
			entry = &v
			break
		}
	}

	if entry == nil {
		notFound(w, r)
		return
	}

	if _, exists := f.vms[id]; exists {
		httputil.WriteXML(w, http.StatusConflict, httputil.Fault{ //nolint:exhaustruct
			Reason: "Operation Failed",
			Detail: fmt.Sprintf("VM %s already exists", entry.Name),
		})

		return
	}

	f.vms[id] = &vm{
		VM:    types.VM{ID: id, Name: entry.Name, State: types.PowerStateImageLocked},
		queue: []types.PowerState{types.PowerStateImageLocked, types.PowerStateDown},
	}

	httputil.WriteXML(w, http.StatusOK, Action{Status: "complete"}) //nolint:exhaustruct
}

func (f *Fake) listStorageDomains(w http.ResponseWriter, r *http.Request) {
	name := searchedName(r)

	f.mu.Lock()
	defer f.mu.Unlock()

	out := xmlStorageDomains{} //nolint:exhaustruct

	for _, sd := range f.storageDomains {
		if name == "" || sd.Name == name {
			out.StorageDomains = append(out.StorageDomains, xmlStorageDomain{ //nolint:exhaustruct
				ID:   sd.ID,
				Name: sd.Name,
				Type: sd.Type,
				Path: sd.Path,
			})
		}
	}

	httputil.WriteXML(w, http.StatusOK, out)
}

func (f *Fake) listDomainVMs(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := xmlVMs{} //nolint:exhaustruct

	for _, v := range f.domainVMs[r.PathValue("id")] {
		out.VMs = append(out.VMs, xmlVM{ID: v.ID, Name: v.Name, Status: string(types.PowerStateDown)}) //nolint:exhaustruct
	}

	httputil.WriteXML(w, http.StatusOK, out)
}

func (f *Fake) listDatacenters(w http.ResponseWriter, r *http.Request) {
	name := searchedName(r)

	f.mu.Lock()
	defer f.mu.Unlock()

	out := xmlDatacenters{} //nolint:exhaustruct

	for _, dc := range f.datacenters {
		if name == "" || dc.Name == name {
			out.Datacenters = append(out.Datacenters, xmlNamed{ID: dc.ID, Name: dc.Name})
		}
	}

	httputil.WriteXML(w, http.StatusOK, out)
}

func (f *Fake) listClusters(w http.ResponseWriter, r *http.Request) {
	name := searchedName(r)

	f.mu.Lock()
	defer f.mu.Unlock()

	out := xmlClusters{} //nolint:exhaustruct

	for _, cl := range f.clusters {
		if name == "" || cl.Name == name {
			out.Clusters = append(out.Clusters, xmlNamed{ID: cl.ID, Name: cl.Name})
		}
	}

	httputil.WriteXML(w, http.StatusOK, out)
}

func searchedName(r *http.Request) string {
	return strings.TrimPrefix(r.URL.Query().Get("search"), "name=")
}
