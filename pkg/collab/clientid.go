package collab

// Client-id zeroing.
//
// Before a batch leaves the socket gateway every embedded client id equal to
// the sending connection's own id is rewritten to 0. Stored and sequenced
// operations therefore never carry the sender's id in element references, and
// the same stored batch can be replayed to anyone. On the way out the
// broadcaster rewrites 0 back to the originating client id.

// ZeroClientIDs rewrites every embedded client id equal to clientID to 0.
// ops is modified in place.
func ZeroClientIDs(ops []Operation, clientID int64) {
	if clientID == 0 {
		return
	}
	for i := range ops {
		rewriteOperation(&ops[i], clientID, 0)
	}
}

// UnzeroClientIDs rewrites every embedded 0 client id back to originator.
// ops is modified in place.
func UnzeroClientIDs(ops []Operation, originator int64) {
	if originator == 0 {
		return
	}
	for i := range ops {
		rewriteOperation(&ops[i], 0, originator)
	}
}

// UnzeroByOrigin un-zeroes each operation with the client id recorded in its
// own operation id. Used when replaying a log that mixes originators.
// Operations without an id are left untouched.
func UnzeroByOrigin(ops []Operation) {
	for i := range ops {
		if ops[i].ID == nil || ops[i].ID.ClientID == 0 {
			continue
		}
		rewriteOperation(&ops[i], 0, ops[i].ID.ClientID)
	}
}

func rewriteOperation(op *Operation, from, to int64) {
	rewriteRef(op.ID, from, to)
	if op.Properties.Payload != nil {
		op.Properties.Payload.rewriteClientIDs(from, to)
	}
}
