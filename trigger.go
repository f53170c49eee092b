package docswarm

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// RemoveConflictTrigger is the trigger the engine re-invokes on
// resolver-mediated puts, since the replication write path runs with normal
// store triggers disabled.
const RemoveConflictTrigger = "remove-conflict-on-put"

// PutTrigger reacts to a put of a structured body. etag is empty when the
// write has not been assigned a version token yet.
type PutTrigger interface {
	OnPut(id string, body map[string]any, meta Metadata, etag string)
}

// TriggerBridge holds the registered put triggers. Registration happens at
// startup; the registry is read-only afterwards.
type TriggerBridge struct {
	triggers map[string]PutTrigger
	log      *logrus.Entry
}

func NewTriggerBridge(log *logrus.Entry) *TriggerBridge {
	return &TriggerBridge{
		triggers: make(map[string]PutTrigger),
		log:      log.WithField("component", "triggers"),
	}
}

// Register adds a named trigger. Registering the same name twice replaces
// the earlier trigger.
func (b *TriggerBridge) Register(name string, trigger PutTrigger) {
	b.triggers[name] = trigger
}

// EnsureConflictCleanup verifies the remove-conflict trigger is registered.
// Replication must not start without it, since resolver-mediated writes rely
// on it for conflict cleanup.
func (b *TriggerBridge) EnsureConflictCleanup() error {
	if _, ok := b.triggers[RemoveConflictTrigger]; !ok {
		return fmt.Errorf("trigger %q is not registered", RemoveConflictTrigger)
	}
	return nil
}

// OnResolvedPut re-invokes the remove-conflict trigger for a resolved write.
// Opaque byte bodies are skipped; only structured bodies participate.
func (b *TriggerBridge) OnResolvedPut(id string, meta Metadata, body any) {
	doc, ok := body.(map[string]any)
	if !ok {
		return
	}
	trigger, ok := b.triggers[RemoveConflictTrigger]
	if !ok {
		return
	}
	b.log.Debugf("re-running %s for %s", RemoveConflictTrigger, id)
	trigger.OnPut(id, doc, meta, "")
}
