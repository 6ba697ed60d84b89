package snaptypes

type Action string

const (
	ActionCreate  Action = "create"
	ActionDestroy Action = "destroy"
)

// decision produced by one decision pass, consumed by the commit queue
type PendingOperation struct {
	Action     Action
	Dataset    string
	Tag        string
	Properties map[string]string // stamped on creates
	Reason     string            // for humans
}

func (p PendingOperation) SnapshotName() string {
	return SnapshotName(p.Dataset, p.Tag)
}
