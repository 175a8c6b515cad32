package docstore

import (
	"scoping/cmd/internal/history"
	v1 "scoping/shared/contracts/docs/v1"
)

func itemToWire(it history.Item) v1.ItemPayload {
	return v1.ItemPayload{
		ID:          it.ID,
		SessionID:   it.SessionID,
		SessionLink: it.SessionLink,
		AccessCode:  it.AccessCode,
		Title:       it.Title,
		CreatedAt:   it.CreatedAt,
		Status:      string(it.Status),
		Estimate:    cloneFloat(it.Estimate),
	}
}

func itemFromWire(p v1.ItemPayload) history.Item {
	return history.Item{
		ID:          p.ID,
		SessionID:   p.SessionID,
		SessionLink: p.SessionLink,
		AccessCode:  p.AccessCode,
		Title:       p.Title,
		CreatedAt:   p.CreatedAt,
		Status:      history.Status(p.Status),
		Estimate:    cloneFloat(p.Estimate),
	}
}

func changesToWire(changes []history.Change) []v1.ChangePayload {
	out := make([]v1.ChangePayload, 0, len(changes))
	for _, c := range changes {
		out = append(out, v1.ChangePayload{Kind: c.Kind.String(), Item: itemToWire(c.Item)})
	}
	return out
}

// changesFromWire keeps unknown kinds as the zero ChangeKind so the consumer
// can count them.
func changesFromWire(in []v1.ChangePayload) []history.Change {
	out := make([]history.Change, 0, len(in))
	for _, c := range in {
		kind, _ := history.ParseChangeKind(c.Kind)
		out = append(out, history.Change{Kind: kind, Item: itemFromWire(c.Item)})
	}
	return out
}

func recordToWire(rec history.SessionRecord) v1.SessionPayload {
	out := v1.SessionPayload{
		SessionID:     rec.SessionID,
		Link:          rec.Link,
		Title:         rec.Title,
		AccessCode:    rec.AccessCode,
		Status:        string(rec.Status),
		FinalEstimate: cloneFloat(rec.FinalEstimate),
		UpdatedAt:     rec.UpdatedAt,
	}
	for _, v := range rec.Votes {
		out.Votes = append(out.Votes, v1.VotePayload{UserID: v.UserID, TaskID: v.TaskID, Value: v.Value, CastAt: v.CastAt})
	}
	return out
}

func recordFromWire(p v1.SessionPayload) history.SessionRecord {
	out := history.SessionRecord{
		SessionID:     p.SessionID,
		Link:          p.Link,
		Title:         p.Title,
		AccessCode:    p.AccessCode,
		Status:        history.Status(p.Status),
		FinalEstimate: cloneFloat(p.FinalEstimate),
		UpdatedAt:     p.UpdatedAt,
	}
	for _, v := range p.Votes {
		out.Votes = append(out.Votes, history.Vote{UserID: v.UserID, TaskID: v.TaskID, Value: v.Value, CastAt: v.CastAt})
	}
	return out
}
