package syncer

import (
	"bytes"

	"github.com/apollo-events/data-sync/api"
	"github.com/apollo-events/data-sync/local"
)

type Winner int

const (
	RemoteWins Winner = iota
	LocalWins
)

func (w Winner) String() string {
	if w == LocalWins {
		return "local"
	}
	return "remote"
}

// Version is the part of a record the conflict policy looks at.
type Version struct {
	UpdatedAt int64
	Origin    string
	Payload   []byte
	Deleted   bool
}

// Resolve is last-writer-wins on UpdatedAt. Equal timestamps fall back to
// the origin id, then the payload bytes, then the deleted flag, so the
// outcome depends only on the two versions. Identical versions keep the
// remote one since there is nothing to upload.
func Resolve(localV, remoteV Version) Winner {
	if localV.UpdatedAt != remoteV.UpdatedAt {
		return pick(localV.UpdatedAt > remoteV.UpdatedAt)
	}
	if localV.Origin != remoteV.Origin {
		return pick(localV.Origin > remoteV.Origin)
	}
	if c := bytes.Compare(localV.Payload, remoteV.Payload); c != 0 {
		return pick(c > 0)
	}
	if localV.Deleted != remoteV.Deleted {
		return pick(localV.Deleted)
	}
	return RemoteWins
}

func pick(local bool) Winner {
	if local {
		return LocalWins
	}
	return RemoteWins
}

func entryVersion(e local.ChangeEntry, deviceID string) Version {
	return Version{UpdatedAt: e.Timestamp, Origin: deviceID, Payload: e.Payload, Deleted: e.Op == local.OpDelete}
}

func recordVersion(r api.Record) Version {
	return Version{UpdatedAt: r.UpdatedAt, Origin: r.Origin, Payload: r.Data, Deleted: r.Deleted}
}

func toRemoteChange(r api.Record) local.RemoteChange {
	return local.RemoteChange{
		ID:         r.Id,
		Collection: r.Collection,
		Payload:    r.Data,
		Revision:   r.Revision,
		Deleted:    r.Deleted,
		UpdatedAt:  r.UpdatedAt,
		Origin:     r.Origin,
	}
}
