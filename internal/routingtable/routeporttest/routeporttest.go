// Package routeporttest is an in-memory recording implementation of
// routingtable.RoutePort for unit tests, grounded on the teacher's pattern
// of a fake platform manager used in routing package tests.
package routeporttest

import (
	"fmt"
	"net"
)

// Call is one recorded RoutePort invocation.
type Call struct {
	Op     string // "install", "update", "remove"
	Prefix net.IP
	Mask   int
	Via    string
}

// Recorder implements routingtable.RoutePort, recording every call and
// tracking the currently-installed via for each (prefix, mask).
type Recorder struct {
	Calls  []Call
	Err    error // if set, every method returns this error
	routes map[string]string
}

func New() *Recorder {
	return &Recorder{routes: make(map[string]string)}
}

func key(prefix net.IP, mask int) string {
	return fmt.Sprintf("%s/%d", prefix, mask)
}

func (r *Recorder) InstallRoute(prefix net.IP, mask int, viaIfName string) error {
	r.Calls = append(r.Calls, Call{Op: "install", Prefix: prefix, Mask: mask, Via: viaIfName})
	if r.Err != nil {
		return r.Err
	}
	r.routes[key(prefix, mask)] = viaIfName
	return nil
}

func (r *Recorder) UpdateRoute(prefix net.IP, mask int, newViaIfName string) error {
	r.Calls = append(r.Calls, Call{Op: "update", Prefix: prefix, Mask: mask, Via: newViaIfName})
	if r.Err != nil {
		return r.Err
	}
	r.routes[key(prefix, mask)] = newViaIfName
	return nil
}

func (r *Recorder) RemoveRoute(prefix net.IP, mask int) error {
	r.Calls = append(r.Calls, Call{Op: "remove", Prefix: prefix, Mask: mask})
	if r.Err != nil {
		return r.Err
	}
	delete(r.routes, key(prefix, mask))
	return nil
}

// Via returns the currently-installed nexthop interface name for
// (prefix, mask), if any.
func (r *Recorder) Via(prefix net.IP, mask int) (string, bool) {
	v, ok := r.routes[key(prefix, mask)]
	return v, ok
}

// Len reports how many routes are currently installed.
func (r *Recorder) Len() int { return len(r.routes) }
