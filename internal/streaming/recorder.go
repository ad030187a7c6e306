// Package streaming converts upstream SSE into the client's dialect while
// harvesting thought signatures into the caches as they fly past.
package streaming

import (
	"github.com/awsl-project/agw/internal/domain"
	"github.com/awsl-project/agw/internal/signature"
)

// Recorder writes signatures observed on a stream into the signature
// caches. A nil Recorder (or nil Cache) disables harvesting.
type Recorder struct {
	Cache        *signature.Cache
	ClientType   domain.ClientType
	Family       domain.ModelFamily
	Fingerprints signature.Fingerprints
}

func (r *Recorder) recordThinking(text, sig string) {
	if r == nil || r.Cache == nil {
		return
	}
	r.Cache.RecordThinking(r.ClientType, r.Family, text, sig)
	r.Cache.RecordFingerprints(r.ClientType, r.Family, r.Fingerprints, sig, text)
}

func (r *Recorder) recordTool(toolID, sig string) {
	if r == nil || r.Cache == nil {
		return
	}
	r.Cache.RecordTool(r.ClientType, r.Family, toolID, sig)
}

func (r *Recorder) recordSession(sig, text string) {
	if r == nil || r.Cache == nil {
		return
	}
	r.Cache.RecordFingerprints(r.ClientType, r.Family, r.Fingerprints, sig, text)
}
