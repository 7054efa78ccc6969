// Package engine ties PPP links and bundles together: a Link runs LCP and authentication over a
// device, then joins a Bundle, which runs IPCP and CCP and hands the data path to a Node.
// Everything in this package runs on a sched.Scheduler.
package engine

import (
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/hujun-open/zoumlppp/auth"
	"github.com/hujun-open/zoumlppp/chap"
	"github.com/hujun-open/zoumlppp/device"
	"github.com/hujun-open/zoumlppp/lcp"
	"github.com/hujun-open/zoumlppp/sched"
	"go.uber.org/zap"
)

const (
	// DefaultAuthTimeout is the time a link has to finish authentication
	DefaultAuthTimeout = 20 * time.Second
	// DefaultBundleConfigTimeout is the time the Manager has to return a bundle config
	DefaultBundleConfigTimeout = 20 * time.Second
	// mppeOverhead is subtracted from the interface MTU when MPPE is in use
	mppeOverhead = 4
)

// ErrClosed is returned when adding a link to a closed Engine
var ErrClosed = errors.New("engine closed")

// Observer receives engine events, e.g. for metrics; methods are called on the scheduler
type Observer interface {
	FSMEvent(proto string, ev lcp.Event, from, to lcp.State)
	FSMDead(proto string, r lcp.Reason)
	AuthDone(r auth.Result)
	LinkCount(n int)
	BundleCount(n int)
}

type nopObserver struct{}

func (nopObserver) FSMEvent(string, lcp.Event, lcp.State, lcp.State) {}
func (nopObserver) FSMDead(string, lcp.Reason) {}
func (nopObserver) AuthDone(auth.Result) {}
func (nopObserver) LinkCount(int) {}
func (nopObserver) BundleCount(int) {}

// Engine owns all links and bundles
type Engine struct {
	s           sched.Scheduler
	mgr         Manager
	logger      *zap.Logger
	obs         Observer
	newNode     NodeFactory
	msCrypto    chap.MSCrypto
	authTO      time.Duration
	bundleCfgTO time.Duration
	links       map[uuid.UUID]*Link
	linkSeq     uint64
	bundles     map[uuid.UUID]*Bundle
	// bundleOrder keeps bundles in creation order, the first matching one is joined
	bundleOrder []uuid.UUID
	closed      bool
	done        chan struct{}
}

// Modifier is a function to provide custom configuration when creating new Engine
type Modifier func(e *Engine)

// WithObserver specifies an Observer
func WithObserver(o Observer) Modifier {
	return func(e *Engine) {
		e.obs = o
	}
}

// WithNodeFactory specifies how bundle Nodes are created, default is NewMemNode
func WithNodeFactory(f NodeFactory) Modifier {
	return func(e *Engine) {
		e.newNode = f
	}
}

// WithMSCrypto enables MS-CHAP with c
func WithMSCrypto(c chap.MSCrypto) Modifier {
	return func(e *Engine) {
		e.msCrypto = c
	}
}

// WithAuthTimeout specifies the auth phase timeout
func WithAuthTimeout(d time.Duration) Modifier {
	return func(e *Engine) {
		e.authTO = d
	}
}

// WithBundleConfigTimeout specifies how long to wait for the Manager's bundle config
func WithBundleConfigTimeout(d time.Duration) Modifier {
	return func(e *Engine) {
		e.bundleCfgTO = d
	}
}

// New returns a new Engine running on s
func New(s sched.Scheduler, mgr Manager, logger *zap.Logger, mods ...Modifier) *Engine {
	e := &Engine{
		s:           s,
		mgr:         mgr,
		logger:      logger,
		obs:         nopObserver{},
		newNode:     NewMemNode,
		authTO:      DefaultAuthTimeout,
		bundleCfgTO: DefaultBundleConfigTimeout,
		links:       make(map[uuid.UUID]*Link),
		bundles:     make(map[uuid.UUID]*Bundle),
		done:        make(chan struct{}),
	}
	for _, m := range mods {
		m(e)
	}
	return e
}

func (e *Engine) fsmHook(typ *lcp.Type, ev lcp.Event, from, to lcp.State) {
	e.obs.FSMEvent(typ.Name, ev, from, to)
}

// NewLink creates a link over dev and opens dev; must be called on the scheduler
func (e *Engine) NewLink(dev device.Device, cfg LinkConfig) (*Link, error) {
	if e.closed {
		return nil, ErrClosed
	}
	e.linkSeq++
	l := newLink(e, dev, cfg, e.linkSeq)
	e.links[l.id] = l
	e.obs.LinkCount(len(e.links))
	if err := l.open(); err != nil {
		delete(e.links, l.id)
		e.obs.LinkCount(len(e.links))
		return nil, err
	}
	return l, nil
}

// Link returns the link with id, nil if not found
func (e *Engine) Link(id uuid.UUID) *Link {
	return e.links[id]
}

// Links returns all links in creation order
func (e *Engine) Links() []*Link {
	return e.linkList()
}

// Bundles returns all bundles in creation order
func (e *Engine) Bundles() []*Bundle {
	r := make([]*Bundle, 0, len(e.bundleOrder))
	for _, id := range e.bundleOrder {
		r = append(r, e.bundles[id])
	}
	return r
}

// Bundle returns the bundle with id, nil if not found or already destroyed
func (e *Engine) Bundle(id uuid.UUID) *Bundle {
	return e.bundles[id]
}

func (e *Engine) removeLink(l *Link) {
	if _, ok := e.links[l.id]; !ok {
		return
	}
	delete(e.links, l.id)
	e.obs.LinkCount(len(e.links))
	e.checkDone()
}

func (e *Engine) removeBundle(b *Bundle) {
	if _, ok := e.bundles[b.id]; !ok {
		return
	}
	delete(e.bundles, b.id)
	for i, id := range e.bundleOrder {
		if id == b.id {
			e.bundleOrder = append(e.bundleOrder[:i], e.bundleOrder[i+1:]...)
			break
		}
	}
	e.obs.BundleCount(len(e.bundles))
}

// join puts an authenticated link into a bundle: an existing one when multilink is negotiated
// both ways and auth names and endpoint discriminators match, otherwise a new one
func (e *Engine) join(l *Link) {
	if l.result.MutualMultiLink() {
		for _, id := range e.bundleOrder {
			b := e.bundles[id]
			if b.matches(l) {
				l.logger.Sugar().Infof("joining bundle %v", b.id)
				b.join(l)
				return
			}
		}
	}
	b := newBundle(e, l)
	e.bundles[b.id] = b
	e.bundleOrder = append(e.bundleOrder, b.id)
	e.obs.BundleCount(len(e.bundles))
	l.logger.Sugar().Infof("created bundle %v", b.id)
	b.start(l)
}

// Close closes every link; Done is closed once all links are gone. Must be called on the scheduler
func (e *Engine) Close() {
	if e.closed {
		return
	}
	e.closed = true
	e.logger.Info("closing engine")
	for _, l := range e.linkList() {
		l.Close()
	}
	e.checkDone()
}

func (e *Engine) checkDone() {
	if !e.closed || len(e.links) > 0 {
		return
	}
	select {
	case <-e.done:
	default:
		close(e.done)
	}
}

// Done returns a channel closed when the Engine is closed and all links are gone
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

func (e *Engine) linkList() []*Link {
	r := make([]*Link, 0, len(e.links))
	for _, l := range e.links {
		r = append(r, l)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].seq < r[j].seq })
	return r
}

// LinkStatus is the state of a link
type LinkStatus struct {
	ID     string `yaml:"id"`
	Device string `yaml:"device"`
	Phase  string `yaml:"phase"`
	LCP    string `yaml:"lcp"`
	// PeerName is the name peer authenticated with
	PeerName string `yaml:"peer-name,omitempty"`
	Bundle   string `yaml:"bundle,omitempty"`
	Index    int    `yaml:"index"`
}

// BundleStatus is the state of a bundle
type BundleStatus struct {
	ID        string   `yaml:"id"`
	Links     []string `yaml:"links"`
	MultiLink bool     `yaml:"multilink"`
	IPCP      string   `yaml:"ipcp"`
	CCP       string   `yaml:"ccp,omitempty"`
	LocalIP   string   `yaml:"local-ip,omitempty"`
	PeerIP    string   `yaml:"peer-ip,omitempty"`
	MTU       int      `yaml:"mtu,omitempty"`
}

// Snapshot is the state of an Engine
type Snapshot struct {
	Links   []LinkStatus   `yaml:"links"`
	Bundles []BundleStatus `yaml:"bundles"`
}

// Snapshot returns the current state, must be called on the scheduler
func (e *Engine) Snapshot() Snapshot {
	var r Snapshot
	for _, l := range e.linkList() {
		r.Links = append(r.Links, l.status())
	}
	for _, id := range e.bundleOrder {
		r.Bundles = append(r.Bundles, e.bundles[id].status())
	}
	return r
}
