package watchdog

import (
	"sort"
	"sync"

	"github.com/core-tools/hsu-autoshutdown/pkg/errors"
)

type attachment struct {
	checks    []*Check
	cleanups  []*Cleanup
	teardowns []func()
}

// usableKey reports whether resource can key the attachments map. Comparable
// types can still hold unhashable values in interface fields, so the check
// hashes the value itself.
func usableKey(resource any) (ok bool) {
	if resource == nil {
		return false
	}
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	keys := make(map[any]struct{}, 1)
	keys[resource] = struct{}{}
	return len(keys) == 1
}

// Attach binds a resource's checks, cleanups and teardowns to the watchdog.
// The resource is only used as a key and must be hashable, typically a
// pointer. Attaching the same resource again replaces its previous binding.
func (w *Watchdog) Attach(resource any, checks []*Check, cleanups []*Cleanup, teardowns []func()) *Watchdog {
	if !usableKey(resource) {
		w.logger.Errorf("Cannot attach resource of type %T, it cannot be used as a key", resource)
		return w
	}

	w.Detach(resource)

	record := &attachment{
		checks:    append([]*Check(nil), checks...),
		cleanups:  append([]*Cleanup(nil), cleanups...),
		teardowns: append([]func(){}, teardowns...),
	}

	w.mutex.Lock()
	defer w.mutex.Unlock()

	for _, check := range record.checks {
		if check != nil {
			w.checks.add(check)
		}
	}
	for _, cleanup := range record.cleanups {
		if cleanup != nil {
			w.cleanups.add(cleanup)
		}
	}
	w.attachments[resource] = record

	w.logger.Debugf("Attached %T, checks: %d, cleanups: %d", resource, len(record.checks), len(record.cleanups))
	return w
}

// Detach removes everything Attach added for resource and runs its teardowns
// in order. Detaching a resource that is not attached does nothing.
func (w *Watchdog) Detach(resource any) *Watchdog {
	if !usableKey(resource) {
		return w
	}

	w.mutex.Lock()
	record, exists := w.attachments[resource]
	if !exists {
		w.mutex.Unlock()
		return w
	}
	for _, check := range record.checks {
		w.checks.remove(check)
	}
	for _, cleanup := range record.cleanups {
		w.cleanups.remove(cleanup)
	}
	delete(w.attachments, resource)
	w.mutex.Unlock()

	for _, teardown := range record.teardowns {
		if teardown != nil {
			teardown()
		}
	}

	w.logger.Debugf("Detached %T", resource)
	return w
}

func (w *Watchdog) Attached(resource any) bool {
	if !usableKey(resource) {
		return false
	}
	w.mutex.Lock()
	defer w.mutex.Unlock()
	_, exists := w.attachments[resource]
	return exists
}

// AttachFunc knows how to attach one kind of resource to a watchdog
type AttachFunc func(w *Watchdog, resource any) error

var (
	attachmentTypesMutex sync.RWMutex
	attachmentTypes      = make(map[string]AttachFunc)
)

// RegisterAttachmentType makes an adapter available to AttachAs.
// It panics if name is empty or already registered.
func RegisterAttachmentType(name string, attach AttachFunc) {
	attachmentTypesMutex.Lock()
	defer attachmentTypesMutex.Unlock()

	if name == "" || attach == nil {
		panic("watchdog: attachment type needs a name and an attach function")
	}
	if _, exists := attachmentTypes[name]; exists {
		panic("watchdog: attachment type registered twice: " + name)
	}
	attachmentTypes[name] = attach
}

func AttachmentTypes() []string {
	attachmentTypesMutex.RLock()
	defer attachmentTypesMutex.RUnlock()

	names := make([]string, 0, len(attachmentTypes))
	for name := range attachmentTypes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AttachAs attaches resource using the adapter registered under name
func (w *Watchdog) AttachAs(name string, resource any) error {
	attachmentTypesMutex.RLock()
	attach, exists := attachmentTypes[name]
	attachmentTypesMutex.RUnlock()

	if !exists {
		return errors.NewValidationError("unknown attachment type", nil).
			WithContext("type", name).
			WithContext("known", AttachmentTypes())
	}

	if err := attach(w, resource); err != nil {
		return errors.NewValidationError("failed to attach resource", err).
			WithContext("type", name)
	}
	return nil
}
