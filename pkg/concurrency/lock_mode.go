package concurrency

// LockMode is the granularity of a lock request within the multi-granularity
// hierarchy. Intention modes (IS, IX, SIX) are taken on ancestors of the
// resource a transaction actually intends to lock; Shared and Exclusive lock
// the resource itself.
type LockMode int

const (
	IntentionShared LockMode = iota
	IntentionExclusive
	Shared
	SharedIntentionExclusive
	Exclusive
)

func (m LockMode) String() string {
	switch m {
	case IntentionShared:
		return "IS"
	case IntentionExclusive:
		return "IX"
	case Shared:
		return "S"
	case SharedIntentionExclusive:
		return "SIX"
	case Exclusive:
		return "X"
	default:
		return "UNKNOWN"
	}
}

// compatibilityMatrix[req][held] reports whether a request for req is
// compatible with a lock already granted in mode held.
var compatibilityMatrix = map[LockMode]map[LockMode]bool{
	IntentionShared: {
		IntentionShared: true, IntentionExclusive: true, Shared: true,
		SharedIntentionExclusive: true, Exclusive: false,
	},
	IntentionExclusive: {
		IntentionShared: true, IntentionExclusive: true, Shared: false,
		SharedIntentionExclusive: false, Exclusive: false,
	},
	Shared: {
		IntentionShared: true, IntentionExclusive: false, Shared: true,
		SharedIntentionExclusive: false, Exclusive: false,
	},
	SharedIntentionExclusive: {
		IntentionShared: true, IntentionExclusive: false, Shared: false,
		SharedIntentionExclusive: false, Exclusive: false,
	},
	Exclusive: {
		IntentionShared: false, IntentionExclusive: false, Shared: false,
		SharedIntentionExclusive: false, Exclusive: false,
	},
}

func compatible(req, held LockMode) bool {
	return compatibilityMatrix[req][held]
}

// legalUpgrades lists, for a currently-held mode, the modes it may be
// upgraded to. An empty set means no upgrade is legal from that mode.
var legalUpgrades = map[LockMode]map[LockMode]bool{
	IntentionShared:          {Shared: true, Exclusive: true, IntentionExclusive: true, SharedIntentionExclusive: true},
	Shared:                   {Exclusive: true, SharedIntentionExclusive: true},
	IntentionExclusive:       {Exclusive: true, SharedIntentionExclusive: true},
	SharedIntentionExclusive: {Exclusive: true},
	Exclusive:                {},
}

func legalUpgrade(from, to LockMode) bool {
	return legalUpgrades[from][to]
}
