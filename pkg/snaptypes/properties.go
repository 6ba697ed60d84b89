package snaptypes

// all of our metadata is stored as user properties under this namespace
const Namespace = "autosnap"

const (
	PropAuto      = Namespace + ":auto"       // "true" | "false", inherited by children
	PropPolicy    = Namespace + ":policy"     // policy spec overriding the default
	PropPolicies  = Namespace + ":policies"   // rule lengths (seconds) a snapshot satisfies, space-separated
	PropCreatedAt = Namespace + ":created_at" // epoch seconds, marks snapshot as automatic
	PropExpiresAt = Namespace + ":expires_at" // epoch seconds, optional hold

	PropName    = "name"
	PropType    = "type"
	PropUsed    = "used"
	PropWritten = "written" // bytes written since the latest snapshot
)

// value the storage tool uses for "not set"
const Unset = "-"

// one field table for every kind in a listing. columns not applicable to a kind
// (e.g. created_at for a filesystem) come back as Unset.
var ListFields = []string{
	PropName,
	PropType,
	PropUsed,
	PropAuto,
	PropPolicy,
	PropPolicies,
	PropCreatedAt,
	PropExpiresAt,
}

var ListKinds = []Kind{KindFilesystem, KindVolume, KindSnapshot}

// one object from a listing, keyed by field name
type Record map[string]string

// returns "" for missing and Unset values
func (r Record) Get(field string) string {
	value := r[field]
	if value == Unset {
		return ""
	}

	return value
}
