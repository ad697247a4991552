package domain

import "errors"

// MediaKind distinguishes audio-only calls from audio+video calls.
type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

var ErrBadMediaKind = errors.New("unknown media kind")

func (m MediaKind) Validate() error {
	switch m {
	case MediaAudio, MediaVideo:
		return nil
	}
	return ErrBadMediaKind
}

// TargetKind tags a call target. Only individuals can be called; group
// targets are recognized so they can be rejected explicitly at the entry
// point instead of being mishandled as identities.
type TargetKind string

const (
	TargetIndividual TargetKind = "individual"
	TargetGroup      TargetKind = "group"
)

// CallTarget is the addressee of an invite.
type CallTarget struct {
	Kind TargetKind `json:"kind"`
	ID   Identity   `json:"id"`
}

var (
	ErrGroupUnsupported = errors.New("group calls unsupported")
	ErrBadTargetKind    = errors.New("unknown target kind")
)

func (t CallTarget) Validate() error {
	switch t.Kind {
	case TargetIndividual:
		return t.ID.Validate()
	case TargetGroup:
		return ErrGroupUnsupported
	}
	return ErrBadTargetKind
}
