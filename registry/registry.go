// Package registry translates instance-record events observed on a
// watched hierarchical store into a locality-ordered endpoint lookup, per
// spec.md §4.D.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/skynetservices/skynet/pkg/types"
	"github.com/skynetservices/skynet/regcodec"
	"github.com/skynetservices/skynet/store/coordstore"
	"github.com/skynetservices/skynet/store/watchedcache"
)

// ErrServiceUnavailable is returned by ServersFor/ServerFor when no
// endpoints are registered for the requested (name, version, region).
var ErrServiceUnavailable = errors.New("registry: service unavailable")

// Registry is the service registry contract: writing instance records,
// removing them, and resolving a (name, version, region) to a
// locality-ranked set of live endpoints.
type Registry interface {
	// Register publishes an instance record, writing Registered=true
	// last so on_create fires only once every other attribute is
	// readable.
	Register(ctx context.Context, name, version, region, host string, port int) error

	// Deregister removes the instance record written by Register for
	// the same (name, version, region, host, port) tuple.
	Deregister(ctx context.Context, name, version, region, host string, port int) error

	// ServersFor resolves (name, version, region) to every known
	// endpoint across all locality-score groups: groups in descending
	// score order, endpoints within a group in insertion order.
	// version == "*" resolves to the highest integer version observed for
	// (name, region).
	ServersFor(name, version, region string) ([]types.Endpoint, error)

	// ServerFor selects uniformly at random among ServersFor's result.
	ServerFor(name, version, region string) (types.Endpoint, error)

	// TopGroup resolves (name, version, region) to only the
	// highest-scoring group of endpoints, for locality-aware callers
	// such as rpc/client.
	TopGroup(name, version, region string) ([]types.Endpoint, error)

	// OnServerRemoved registers a one-shot callback invoked when ep is
	// observed disappearing from the registry through deletion (not a
	// graceful Deregister). Returns an unsubscribe function.
	OnServerRemoved(ep types.Endpoint, cb func()) (unsubscribe func())

	// Close releases the underlying watched cache.
	Close() error
}

// partialRecord accumulates an instance's attributes as they arrive,
// individually, as leaf-node events under its UUID.
type partialRecord struct {
	name       string
	version    string
	region     string
	addr       string
	registered bool
}

func (r *partialRecord) ready() bool {
	return r.registered && r.name != "" && r.version != "" && r.region != "" && r.addr != ""
}

type removalSub struct {
	id uint64
	cb func()
}

// Service is the concrete Registry implementation: an indexed view built
// entirely from watchedcache.Cache subscriber callbacks.
type Service struct {
	cache   *watchedcache.Cache
	localIP string
	pid     int

	mu      sync.RWMutex
	index   map[types.RegistryKey][]types.ScoreGroup
	partial map[string]*partialRecord
	// versions tracks, per "name\x00region", every version string
	// currently present with at least one live endpoint, so a "*"
	// lookup can resolve the highest integer version without scanning
	// the whole index.
	versions map[string]map[string]bool

	removeMu   sync.Mutex
	removeSubs map[types.Endpoint][]removalSub
	nextSubID  atomic.Uint64

	dnsMu    sync.Mutex
	dnsCache map[string]string
}

// Open wires a Registry on top of an already-open watchedcache.Cache.
// localIP is the process' own IPv4 address, used as the reference point
// for locality scoring (spec.md §4.D).
func Open(cache *watchedcache.Cache, localIP string) *Service {
	s := &Service{
		cache:      cache,
		localIP:    localIP,
		pid:        os.Getpid(),
		index:      make(map[types.RegistryKey][]types.ScoreGroup),
		partial:    make(map[string]*partialRecord),
		versions:   make(map[string]map[string]bool),
		removeSubs: make(map[types.Endpoint][]removalSub),
		dnsCache:   make(map[string]string),
	}

	cache.OnCreate(types.WildcardPath, s.handleAttr)
	cache.OnUpdate(types.WildcardPath, s.handleAttr)
	cache.OnDelete(types.WildcardPath, s.handleDelete)

	return s
}

// Register publishes an instance record under uuid/<attr> leaf nodes,
// writing "registered" last so it is the trigger for on_create (spec.md
// §3's invariant).
func (s *Service) Register(ctx context.Context, name, version, region, host string, port int) error {
	uuid := types.InstanceUUID(host, port, s.pid, name, version)

	writes := []struct {
		attr  string
		value any
	}{
		{"name", name},
		{"version", version},
		{"region", region},
		{"addr", string(types.NewEndpoint(host, port))},
	}
	for _, w := range writes {
		data, err := regcodec.Encode(w.value)
		if err != nil {
			return fmt.Errorf("registry: failed to encode %s/%s; %w", uuid, w.attr, err)
		}
		if err := s.cache.Put(ctx, uuid+"/"+w.attr, data); err != nil {
			return fmt.Errorf("registry: failed to register %s/%s/%s; %w", name, version, region, err)
		}
	}

	registeredData, err := regcodec.Encode(true)
	if err != nil {
		return fmt.Errorf("registry: failed to encode %s/registered; %w", uuid, err)
	}
	if err := s.cache.Put(ctx, uuid+"/registered", registeredData); err != nil {
		return fmt.Errorf("registry: failed to register %s/%s/%s; %w", name, version, region, err)
	}

	// Index the endpoint locally too, the way Deregister removes it
	// locally, so ServersFor sees it as soon as Register returns.
	s.addServer(types.RegistryKey{Name: name, Version: version, Region: region}, host, port)
	return nil
}

// Deregister removes every attribute under the instance's UUID and the
// UUID directory itself.
func (s *Service) Deregister(ctx context.Context, name, version, region, host string, port int) error {
	uuid := types.InstanceUUID(host, port, s.pid, name, version)
	key := types.RegistryKey{Name: name, Version: version, Region: region}
	ep := types.NewEndpoint(host, port)

	s.mu.Lock()
	delete(s.partial, uuid)
	s.mu.Unlock()

	s.removeServer(key, ep, false)

	for _, attr := range []string{"registered", "addr", "region", "version", "name"} {
		if err := s.cache.Delete(ctx, uuid+"/"+attr, false); err != nil && !errors.Is(err, coordstore.ErrNodeNotFound) {
			return fmt.Errorf("registry: failed to deregister %s/%s/%s; %w", name, version, region, err)
		}
	}
	if err := s.cache.Delete(ctx, uuid, true); err != nil && !errors.Is(err, coordstore.ErrNodeNotFound) {
		return fmt.Errorf("registry: failed to deregister %s/%s/%s; %w", name, version, region, err)
	}
	return nil
}

// handleAttr processes an on_create/on_update callback for a single
// "<uuid>/<attr>" leaf node, stashing it into that instance's partial
// record and promoting it into the index once every required attribute
// plus registered=true are present.
func (s *Service) handleAttr(relative string, value []byte, _ int) {
	uuid, attr, ok := splitUUIDAttr(relative)
	if !ok {
		return
	}

	decoded, err := regcodec.Decode(value)
	if err != nil {
		return
	}

	s.mu.Lock()
	rec, ok := s.partial[uuid]
	if !ok {
		rec = &partialRecord{}
		s.partial[uuid] = rec
	}
	switch attr {
	case "name":
		rec.name, _ = decoded.(string)
	case "version":
		// regcodec decodes a numeric version such as "1" as a number.
		if decoded != nil {
			rec.version = fmt.Sprint(decoded)
		}
	case "region":
		rec.region, _ = decoded.(string)
	case "addr":
		rec.addr, _ = decoded.(string)
	case "registered":
		rec.registered, _ = decoded.(bool)
	}

	var key types.RegistryKey
	var host string
	var port int
	ready := rec.ready()
	if ready {
		key = types.RegistryKey{Name: rec.name, Version: rec.version, Region: rec.region}
		host, port, err = splitHostPort(rec.addr)
		if err != nil {
			ready = false
		}
	}
	s.mu.Unlock()

	if ready {
		s.addServer(key, host, port)
	}
}

// handleDelete processes an on_delete callback. Only "<uuid>/registered"
// deletions trigger server removal; deletion of any other attribute is
// folded into the parent UUID's eventual registered-node delete.
func (s *Service) handleDelete(relative string, _ []byte, _ int) {
	uuid, attr, ok := splitUUIDAttr(relative)
	if !ok || attr != "registered" {
		return
	}

	s.mu.Lock()
	rec, ok := s.partial[uuid]
	if ok {
		delete(s.partial, uuid)
	}
	s.mu.Unlock()

	if !ok || rec.name == "" || rec.version == "" || rec.region == "" || rec.addr == "" {
		return
	}

	host, port, err := splitHostPort(rec.addr)
	if err != nil {
		return
	}

	key := types.RegistryKey{Name: rec.name, Version: rec.version, Region: rec.region}
	s.removeServer(key, types.NewEndpoint(host, port), true)
}

// addServer inserts ep into the score group matching its locality score
// under key, preserving descending score order and endpoint idempotence
// within a group.
func (s *Service) addServer(key types.RegistryKey, host string, port int) {
	ep := types.NewEndpoint(host, port)
	score := s.score(host)

	s.mu.Lock()
	defer s.mu.Unlock()

	groups := s.index[key]
	for i := range groups {
		if groups[i].Score == score {
			if !containsEndpoint(groups[i].Endpoints, ep) {
				groups[i].Endpoints = append(groups[i].Endpoints, ep)
			}
			s.index[key] = groups
			s.trackVersion(key)
			return
		}
	}

	idx := sort.Search(len(groups), func(i int) bool { return groups[i].Score <= score })
	groups = append(groups, types.ScoreGroup{})
	copy(groups[idx+1:], groups[idx:])
	groups[idx] = types.ScoreGroup{Score: score, Endpoints: []types.Endpoint{ep}}
	s.index[key] = groups
	s.trackVersion(key)
}

// removeServer deletes ep from its group under key, removing the group
// if it becomes empty and the key if it has no groups left. If notify is
// true, any OnServerRemoved callbacks registered for ep fire exactly
// once.
func (s *Service) removeServer(key types.RegistryKey, ep types.Endpoint, notify bool) {
	s.mu.Lock()
	groups := s.index[key]
	for gi := range groups {
		eps := groups[gi].Endpoints
		for ei, e := range eps {
			if e == ep {
				groups[gi].Endpoints = append(eps[:ei], eps[ei+1:]...)
				break
			}
		}
	}

	filtered := groups[:0]
	for _, g := range groups {
		if len(g.Endpoints) > 0 {
			filtered = append(filtered, g)
		}
	}
	if len(filtered) == 0 {
		delete(s.index, key)
		s.untrackVersion(key)
	} else {
		s.index[key] = filtered
	}
	s.mu.Unlock()

	if !notify {
		return
	}

	s.removeMu.Lock()
	subs := s.removeSubs[ep]
	delete(s.removeSubs, ep)
	s.removeMu.Unlock()

	for _, sub := range subs {
		sub.cb()
	}
}

func (s *Service) trackVersion(key types.RegistryKey) {
	nr := nameRegion(key.Name, key.Region)
	set, ok := s.versions[nr]
	if !ok {
		set = make(map[string]bool)
		s.versions[nr] = set
	}
	set[key.Version] = true
}

func (s *Service) untrackVersion(key types.RegistryKey) {
	nr := nameRegion(key.Name, key.Region)
	set, ok := s.versions[nr]
	if !ok {
		return
	}
	delete(set, key.Version)
	if len(set) == 0 {
		delete(s.versions, nr)
	}
}

func nameRegion(name, region string) string {
	return name + "\x00" + region
}

// resolveVersion returns version unchanged unless it is "*", in which
// case it resolves to the highest integer version currently observed for
// (name, region).
func (s *Service) resolveVersion(name, version, region string) (string, error) {
	if version != "*" {
		return version, nil
	}

	s.mu.RLock()
	set := s.versions[nameRegion(name, region)]
	best := -1
	var bestStr string
	for v := range set {
		n, err := strconv.Atoi(v)
		if err != nil {
			continue
		}
		if n > best {
			best = n
			bestStr = v
		}
	}
	s.mu.RUnlock()

	if best < 0 {
		return "", fmt.Errorf("%w: %s/%s/%s", ErrServiceUnavailable, name, version, region)
	}
	return bestStr, nil
}

// ServersFor resolves (name, version, region) to every known endpoint
// across all locality-score groups, highest score first.
func (s *Service) ServersFor(name, version, region string) ([]types.Endpoint, error) {
	resolved, err := s.resolveVersion(name, version, region)
	if err != nil {
		return nil, err
	}
	key := types.RegistryKey{Name: name, Version: resolved, Region: region}

	s.mu.RLock()
	groups := s.index[key]
	var eps []types.Endpoint
	for _, g := range groups {
		eps = append(eps, g.Endpoints...)
	}
	s.mu.RUnlock()

	if len(eps) == 0 {
		return nil, fmt.Errorf("%w: %s/%s/%s", ErrServiceUnavailable, name, version, region)
	}
	return eps, nil
}

// TopGroup resolves (name, version, region) to only the highest-scoring
// group's endpoints.
func (s *Service) TopGroup(name, version, region string) ([]types.Endpoint, error) {
	resolved, err := s.resolveVersion(name, version, region)
	if err != nil {
		return nil, err
	}
	key := types.RegistryKey{Name: name, Version: resolved, Region: region}

	s.mu.RLock()
	groups := s.index[key]
	var top []types.Endpoint
	if len(groups) > 0 {
		top = append(top, groups[0].Endpoints...)
	}
	s.mu.RUnlock()

	if len(top) == 0 {
		return nil, fmt.Errorf("%w: %s/%s/%s", ErrServiceUnavailable, name, version, region)
	}
	return top, nil
}

// ServerFor selects uniformly at random among ServersFor's result.
func (s *Service) ServerFor(name, version, region string) (types.Endpoint, error) {
	eps, err := s.ServersFor(name, version, region)
	if err != nil {
		return "", err
	}
	return eps[randIndex(len(eps))], nil
}

// OnServerRemoved registers a one-shot callback for ep's disappearance.
func (s *Service) OnServerRemoved(ep types.Endpoint, cb func()) func() {
	id := s.nextSubID.Add(1)
	sub := removalSub{id: id, cb: cb}

	s.removeMu.Lock()
	s.removeSubs[ep] = append(s.removeSubs[ep], sub)
	s.removeMu.Unlock()

	return func() {
		s.removeMu.Lock()
		defer s.removeMu.Unlock()
		subs := s.removeSubs[ep]
		for i, existing := range subs {
			if existing.id == id {
				s.removeSubs[ep] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Close releases the underlying watched cache.
func (s *Service) Close() error {
	return s.cache.Close()
}

// score scores host against the registry's own local IPv4 address: the
// length of the longest matching dotted-octet prefix (0..4). Non-IPv4
// literals are resolved to IPv4 once and cached.
func (s *Service) score(host string) int {
	ip := s.resolveIPv4(host)
	if ip == "" {
		return 0
	}
	return octetPrefixScore(s.localIP, ip)
}

func (s *Service) resolveIPv4(host string) string {
	if parsed := net.ParseIP(host); parsed != nil {
		if v4 := parsed.To4(); v4 != nil {
			return v4.String()
		}
		return ""
	}

	s.dnsMu.Lock()
	if ip, ok := s.dnsCache[host]; ok {
		s.dnsMu.Unlock()
		return ip
	}
	s.dnsMu.Unlock()

	addrs, err := net.LookupIP(host)
	if err != nil {
		return ""
	}
	for _, a := range addrs {
		if v4 := a.To4(); v4 != nil {
			ip := v4.String()
			s.dnsMu.Lock()
			s.dnsCache[host] = ip
			s.dnsMu.Unlock()
			return ip
		}
	}
	return ""
}

func octetPrefixScore(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")

	score := 0
	for i := 0; i < 4 && i < len(as) && i < len(bs); i++ {
		if as[i] != bs[i] {
			break
		}
		score++
	}
	return score
}

func containsEndpoint(eps []types.Endpoint, ep types.Endpoint) bool {
	for _, e := range eps {
		if e == ep {
			return true
		}
	}
	return false
}

func splitUUIDAttr(relative string) (uuid, attr string, ok bool) {
	idx := strings.LastIndex(relative, "/")
	if idx < 0 {
		return "", "", false
	}
	return relative[:idx], relative[idx+1:], true
}

func splitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("registry: invalid endpoint %q; %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("registry: invalid port in endpoint %q; %w", addr, err)
	}
	return host, port, nil
}
