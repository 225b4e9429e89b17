// Package matcher reconciles local students with the rows scraped from a TA
// attendance form.
//
// Matching runs in two passes so that an exact name always beats a fuzzy
// one and no remote row is claimed twice. Ties are broken greedily: the
// first local student in input order wins a contested row. The result is
// deterministic for a given input order.
package matcher

import "math"

const (
	// Threshold is the minimum weighted similarity (inclusive) for a fuzzy match.
	Threshold = 0.8

	lastNameWeight  = 0.7
	firstNameWeight = 0.3

	// epsilon absorbs float error so a score computed as 0.8000000000000002
	// or 0.7999999999999999 still counts as 0.8.
	epsilon = 1e-9
)

// Student is a local enrolled student.
type Student struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// DisplayName returns "First Last".
func (s Student) DisplayName() string {
	switch {
	case s.FirstName == "":
		return s.LastName
	case s.LastName == "":
		return s.FirstName
	}
	return s.FirstName + " " + s.LastName
}

// RemoteRow is one student row on the TA form.
type RemoteRow struct {
	Name    string `json:"name"`     // "Last, First"
	FieldID string `json:"field_id"` // shared name of the row's radio group
}

// Result is the match outcome for one local student. For unmatched
// students Confidence is the best score seen and the remote fields are nil.
type Result struct {
	StudentID  string  `json:"studentId"`
	LocalName  string  `json:"localName"`
	RemoteName *string `json:"remoteName"`
	FieldID    *string `json:"fieldId"`
	Confidence int     `json:"confidence"`
	Matched    bool    `json:"matched"`
}

type normalized struct {
	last, first string
}

// Match returns one Result per local student, in input order.
func Match(students []Student, rows []RemoteRow) []Result {
	locals := make([]normalized, len(students))
	for i, s := range students {
		locals[i] = normalized{last: NormalizeName(s.LastName), first: NormalizeName(s.FirstName)}
	}
	remotes := make([]normalized, len(rows))
	for i, r := range rows {
		last, first := SplitDisplayName(r.Name)
		remotes[i] = normalized{last: NormalizeName(last), first: NormalizeName(first)}
	}

	results := make([]Result, len(students))
	claimed := make([]bool, len(rows))
	done := make([]bool, len(students))

	for i, s := range students {
		results[i] = Result{StudentID: s.ID, LocalName: s.DisplayName()}
	}

	// Pass 1: exact.
	for i := range students {
		for j := range rows {
			if claimed[j] {
				continue
			}
			if locals[i] == remotes[j] {
				claimed[j] = true
				done[i] = true
				results[i] = matched(results[i], rows[j], 100)
				break
			}
		}
	}

	// Pass 2: fuzzy over what is left.
	for i := range students {
		if done[i] {
			continue
		}
		best, bestScore := -1, 0.0
		for j := range rows {
			if claimed[j] {
				continue
			}
			score := lastNameWeight*Similarity(locals[i].last, remotes[j].last) +
				firstNameWeight*Similarity(locals[i].first, remotes[j].first)
			if best < 0 || score > bestScore {
				best, bestScore = j, score
			}
		}
		confidence := int(math.Round(bestScore * 100))
		if best >= 0 && bestScore >= Threshold-epsilon {
			claimed[best] = true
			results[i] = matched(results[i], rows[best], confidence)
			continue
		}
		results[i].Confidence = confidence
	}

	return results
}

func matched(r Result, row RemoteRow, confidence int) Result {
	name, field := row.Name, row.FieldID
	r.RemoteName = &name
	r.FieldID = &field
	r.Confidence = confidence
	r.Matched = true
	return r
}

// Unmatched filters results down to the students without a match. The
// result is never nil.
func Unmatched(results []Result) []Result {
	out := []Result{}
	for _, r := range results {
		if !r.Matched {
			out = append(out, r)
		}
	}
	return out
}
