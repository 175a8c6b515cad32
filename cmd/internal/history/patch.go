package history

import "time"

// Patch is a partial update of an Item. Nil fields are left untouched.
type Patch struct {
	SessionID   *string
	SessionLink *string
	AccessCode  *string
	Title       *string
	CreatedAt   *time.Time
	Status      *Status
	Estimate    *float64
}

// PatchFrom returns a patch carrying every populated field of it.
func PatchFrom(it Item) Patch {
	var p Patch
	if it.SessionID != "" {
		p.SessionID = ptr(it.SessionID)
	}
	if it.SessionLink != "" {
		p.SessionLink = ptr(it.SessionLink)
	}
	if it.AccessCode != "" {
		p.AccessCode = ptr(it.AccessCode)
	}
	if it.Title != "" {
		p.Title = ptr(it.Title)
	}
	if !it.CreatedAt.IsZero() {
		p.CreatedAt = ptr(it.CreatedAt)
	}
	if it.Status != "" {
		p.Status = ptr(it.Status)
	}
	if it.Estimate != nil {
		p.Estimate = ptr(*it.Estimate)
	}
	return p
}

// PatchFromSession maps a session record onto summary fields.
// FinalEstimate feeds Estimate.
func PatchFromSession(rec SessionRecord) Patch {
	var p Patch
	if rec.SessionID != "" {
		p.SessionID = ptr(rec.SessionID)
	}
	if rec.Link != "" {
		p.SessionLink = ptr(rec.Link)
	}
	if rec.AccessCode != "" {
		p.AccessCode = ptr(rec.AccessCode)
	}
	if rec.Title != "" {
		p.Title = ptr(rec.Title)
	}
	if rec.Status != "" {
		p.Status = ptr(rec.Status)
	}
	if rec.FinalEstimate != nil {
		p.Estimate = ptr(*rec.FinalEstimate)
	}
	return p
}

// Merge overlays over onto p; fields set in over win.
func (p Patch) Merge(over Patch) Patch {
	out := p
	if over.SessionID != nil {
		out.SessionID = over.SessionID
	}
	if over.SessionLink != nil {
		out.SessionLink = over.SessionLink
	}
	if over.AccessCode != nil {
		out.AccessCode = over.AccessCode
	}
	if over.Title != nil {
		out.Title = over.Title
	}
	if over.CreatedAt != nil {
		out.CreatedAt = over.CreatedAt
	}
	if over.Status != nil {
		out.Status = over.Status
	}
	if over.Estimate != nil {
		out.Estimate = over.Estimate
	}
	return out
}

// ApplyTo returns a copy of it with the patch applied. ID is never changed.
func (p Patch) ApplyTo(it Item) Item {
	if p.SessionID != nil {
		it.SessionID = *p.SessionID
	}
	if p.SessionLink != nil {
		it.SessionLink = *p.SessionLink
	}
	if p.AccessCode != nil {
		it.AccessCode = *p.AccessCode
	}
	if p.Title != nil {
		it.Title = *p.Title
	}
	if p.CreatedAt != nil {
		it.CreatedAt = *p.CreatedAt
	}
	if p.Status != nil {
		it.Status = *p.Status
	}
	if p.Estimate != nil {
		it.Estimate = ptr(*p.Estimate)
	}
	return it
}

// IsZero reports whether the patch changes nothing.
func (p Patch) IsZero() bool {
	return p.SessionID == nil && p.SessionLink == nil && p.AccessCode == nil &&
		p.Title == nil && p.CreatedAt == nil && p.Status == nil && p.Estimate == nil
}

func ptr[T any](v T) *T { return &v }
