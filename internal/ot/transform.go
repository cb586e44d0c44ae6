package ot

// Transform derives the bottom two sides of the OT diamond: given concurrent
// operations a and b on the same base version, it returns a' and b' such that
// applying b then a' yields the same content as applying a then b'.
//
// Either side may come back empty (a delete wholly covered by the other) or as
// two deletes (a delete split around concurrently inserted text, which
// survives at the start of the deleted span). Split runs are ordered so they
// apply sequentially as returned.
func Transform(a, b Operation) (aOut, bOut []Operation) {
	switch {
	case a.Kind == KindInsert && b.Kind == KindInsert:
		// Equal positions tie-break on author id: the lower id's insert is
		// treated as occurring first, so both peers order the text identically.
		if a.Position < b.Position || (a.Position == b.Position && a.AuthorID < b.AuthorID) {
			b.Position += len(a.Text)
			return []Operation{a}, []Operation{b}
		}
		a.Position += len(b.Text)
		return []Operation{a}, []Operation{b}
	case a.Kind == KindInsert && b.Kind == KindDelete:
		return transformInsertDelete(a, b)
	case a.Kind == KindDelete && b.Kind == KindInsert:
		bOut, aOut = transformInsertDelete(b, a)
		return aOut, bOut
	default:
		return transformDeleteDelete(a, b)
	}
}

func transformInsertDelete(ins, del Operation) (insOut, delOut []Operation) {
	switch {
	case ins.Position <= del.Position:
		// Insert at or before the deleted span. Delete shifts forward.
		del.Position += len(ins.Text)
		return []Operation{ins}, []Operation{del}
	case ins.Position >= del.Position+del.Length:
		// Insert after the deleted span. Insert shifts backward.
		ins.Position -= del.Length
		return []Operation{ins}, []Operation{del}
	default:
		// Insert lands strictly inside the deleted span. The inserted text is
		// preserved, not discarded: it survives at the span's start, and the
		// delete splits into the portions on either side of it. The later
		// portion comes first so positions stay valid when applied in order.
		head := ins.Position - del.Position
		after := del
		after.Position = ins.Position + len(ins.Text)
		after.Length = del.Length - head
		before := del
		before.Length = head
		ins.Position = del.Position
		return []Operation{ins}, []Operation{after, before}
	}
}

func transformDeleteDelete(a, b Operation) (aOut, bOut []Operation) {
	aEnd, bEnd := a.Position+a.Length, b.Position+b.Length
	switch {
	case aEnd <= b.Position:
		b.Position -= a.Length
		return []Operation{a}, []Operation{b}
	case bEnd <= a.Position:
		a.Position -= b.Length
		return []Operation{a}, []Operation{b}
	}
	// Ranges overlap. Each side keeps only what the other did not already
	// remove; a delete reduced to nothing is dropped rather than erroring.
	pos := min(a.Position, b.Position)
	overlap := min(aEnd, bEnd) - max(a.Position, b.Position)
	if n := a.Length - overlap; n > 0 {
		ap := a
		ap.Position = pos
		ap.Length = n
		aOut = []Operation{ap}
	}
	if n := b.Length - overlap; n > 0 {
		bp := b
		bp.Position = pos
		bp.Length = n
		bOut = []Operation{bp}
	}
	return aOut, bOut
}

// TransformAgainst rewrites op so it applies cleanly after every operation in
// history, in commit order. The result may be empty (op entirely superseded by
// concurrent deletes) or hold several deletes (op split around concurrently
// inserted text).
func TransformAgainst(op Operation, history []Operation) []Operation {
	run := []Operation{op}
	for _, h := range history {
		run = transformRun(run, h)
	}
	return run
}

// transformRun transforms a sequential run of pieces derived from one
// submitted operation against a single committed operation, threading the
// committed op through the run so later pieces see its shifted form.
//
// Invariant: a run is either a single insert or a list of deletes (only
// deletes ever split, and only against an insert). The committed op can
// therefore only split against a singleton run and stays scalar while being
// threaded through a multi-piece run.
func transformRun(run []Operation, committed Operation) []Operation {
	out := make([]Operation, 0, len(run))
	cPieces := []Operation{committed}
	for _, p := range run {
		pieces := []Operation{p}
		var cNext []Operation
		for _, c := range cPieces {
			cCur := []Operation{c}
			var stepped []Operation
			for _, x := range pieces {
				if len(cCur) == 0 {
					// The committed delete was wholly consumed; it no longer
					// shifts anything.
					stepped = append(stepped, x)
					continue
				}
				xT, cT := Transform(x, cCur[0])
				stepped = append(stepped, xT...)
				cCur = cT
			}
			pieces = stepped
			cNext = append(cNext, cCur...)
		}
		cPieces = cNext
		out = append(out, pieces...)
	}
	return out
}

// Compose collapses two sequential operations by the same author into one
// equivalent operation. Used to keep operation runs compact; composition is an
// optimization, never required for convergence.
func Compose(a, b Operation) (Operation, bool) {
	if a.AuthorID != b.AuthorID || a.Kind != b.Kind {
		return Operation{}, false
	}
	switch a.Kind {
	case KindInsert:
		// b extends or splits a's inserted text in place.
		if b.Position >= a.Position && b.Position <= a.Position+len(a.Text) {
			off := b.Position - a.Position
			merged := a
			merged.Text = a.Text[:off] + b.Text + a.Text[off:]
			return merged, true
		}
	case KindDelete:
		// The two removed spans are contiguous in the original text.
		if b.Position <= a.Position && a.Position <= b.Position+b.Length {
			merged := a
			merged.Position = b.Position
			merged.Length = a.Length + b.Length
			return merged, true
		}
	}
	return Operation{}, false
}
