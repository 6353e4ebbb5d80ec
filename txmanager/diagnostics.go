package txmanager

import (
	"xatm/txlog"
)

// Diagnostics summarises the coordinator for operators.
type Diagnostics struct {
	Cruuid string `json:"cruuid"`
	Epoch  uint64 `json:"epoch"`
	// Active counts transactions driven by this process that are not yet
	// terminal.
	Active    int `json:"active"`
	InDoubt   int `json:"inDoubt"`
	Heuristic int `json:"heuristic"`
	// HeuristicOrphans are branches without a transaction record that a
	// resource manager completed on its own. Forget with their global Xid.
	HeuristicOrphans []HeuristicOrphan `json:"heuristicOrphans,omitempty"`
	Resources        []string          `json:"resources"`
	Log              txlog.Stats       `json:"log"`
	Halted           string            `json:"halted,omitempty"`
	LastRecovery     *RecoveryReport   `json:"lastRecovery,omitempty"`
}

func (t *TXManager) Diagnostics() Diagnostics {
	owner := t.identity.Identity()
	d := Diagnostics{
		Cruuid:           owner.Cruuid.String(),
		Epoch:            owner.Epoch,
		HeuristicOrphans: t.recovery.HeuristicOrphans(),
		Resources:        t.registryCenter.ids(),
		Log:              t.txStore.Stats(),
		LastRecovery:     t.recovery.Last(),
	}
	for _, tx := range t.table.list(nil) {
		status := tx.Status()
		switch {
		case status == StatusHeuristic:
			d.Heuristic++
		case status.Terminal():
		case tx.isRecovered():
			d.InDoubt++
		default:
			d.Active++
		}
	}
	d.InDoubt += t.recovery.orphanCount()
	if err := t.Err(); err != nil {
		d.Halted = err.Error()
	}
	return d
}
