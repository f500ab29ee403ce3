package domain

// lifecycle holds the legal status moves for one sample type
type lifecycle struct {
	label       string
	transitions map[SampleStatus]map[SampleStatus]struct{}
}

var baseTransitions = map[SampleStatus][]SampleStatus{
	StatusCollected:      {StatusQualityChecked},
	StatusQualityChecked: {StatusStored, StatusFrozen},
	StatusStored:         {StatusThawed, StatusDiscarded, StatusExpired},
	StatusFrozen:         {StatusThawed, StatusDiscarded, StatusExpired},
}

var gameteTransitions = map[SampleStatus][]SampleStatus{
	StatusFrozen: {StatusFertilized},
	StatusThawed: {StatusFertilized},
}

var embryoTransitions = map[SampleStatus][]SampleStatus{
	StatusQualityChecked: {StatusCulturedEmbryo},
	StatusCulturedEmbryo: {StatusStored, StatusFrozen, StatusDiscarded},
}

var lifecycles = map[SampleType]lifecycle{
	SampleTypeSperm:  newLifecycle("sperm", baseTransitions, gameteTransitions),
	SampleTypeOocyte: newLifecycle("oocyte", baseTransitions, gameteTransitions),
	SampleTypeEmbryo: newLifecycle("embryo", baseTransitions, embryoTransitions),
}

func newLifecycle(label string, tables ...map[SampleStatus][]SampleStatus) lifecycle {
	lc := lifecycle{label: label, transitions: make(map[SampleStatus]map[SampleStatus]struct{})}
	for _, table := range tables {
		for from, tos := range table {
			set, ok := lc.transitions[from]
			if !ok {
				set = make(map[SampleStatus]struct{})
				lc.transitions[from] = set
			}
			for _, to := range tos {
				set[to] = struct{}{}
			}
		}
	}
	return lc
}

// CanTransition reports whether a sample of type t may move from one status to another
func CanTransition(t SampleType, from, to SampleStatus) bool {
	lc, ok := lifecycles[t]
	if !ok {
		return false
	}
	_, ok = lc.transitions[from][to]
	return ok
}

// NextStatuses lists the statuses reachable in one step, in declaration order
func NextStatuses(t SampleType, from SampleStatus) []SampleStatus {
	lc, ok := lifecycles[t]
	if !ok {
		return nil
	}
	out := make([]SampleStatus, 0, len(lc.transitions[from]))
	for _, s := range SampleStatuses {
		if _, ok := lc.transitions[from][s]; ok {
			out = append(out, s)
		}
	}
	return out
}

// CheckTransition returns an IllegalTransitionError when the move is not in the table
func CheckTransition(sample *Sample, to SampleStatus) error {
	if CanTransition(sample.Type, sample.Status, to) {
		return nil
	}
	return &IllegalTransitionError{
		SampleID: sample.ID,
		Type:     sample.Type,
		From:     sample.Status,
		To:       to,
	}
}

// IsTerminal reports whether no further moves exist from s
func IsTerminal(t SampleType, s SampleStatus) bool {
	return len(NextStatuses(t, s)) == 0
}
