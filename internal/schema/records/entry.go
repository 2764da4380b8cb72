package records

import "fmt"

// GroupState is the lifecycle state of a group directory entry.
type GroupState byte

const (
	GroupCreating GroupState = 1
	GroupActive   GroupState = 2
	GroupDeleting GroupState = 3
)

func (s GroupState) String() string {
	switch s {
	case GroupCreating:
		return "CREATING"
	case GroupActive:
		return "ACTIVE"
	case GroupDeleting:
		return "DELETING"
	default:
		return fmt.Sprintf("GroupState(%d)", byte(s))
	}
}

// GroupEntry is the namespace directory entry of one group. ID names the
// group's log and index tables.
type GroupEntry struct {
	ID    string
	State GroupState
}

const entryTag byte = 1

func MarshalGroupEntry(e GroupEntry) []byte {
	b := header(entryTag)
	b = appendString(b, 1, e.ID)
	return appendUint(b, 2, uint64(e.State))
}

func UnmarshalGroupEntry(b []byte) (GroupEntry, error) {
	var e GroupEntry
	tag, body, err := splitHeader(b)
	if err != nil {
		return e, err
	}
	if tag != entryTag {
		return e, fmt.Errorf("records: unknown group entry type %d", tag)
	}
	rd := newReader(body)
	for rd.next() {
		switch rd.num {
		case 1:
			e.ID = rd.string()
		case 2:
			e.State = GroupState(rd.uint())
		default:
			rd.skip()
		}
	}
	if rd.err != nil {
		return GroupEntry{}, fmt.Errorf("records: decode group entry: %w", rd.err)
	}
	return e, nil
}
