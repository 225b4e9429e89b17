package canonical

import "fmt"

// PlanOperations hashes each operation's payload and marks it noop when the
// hash equals the last successfully pushed hash for the same entity, upsert
// otherwise. lastHashes is keyed by HashKey(entity_type, entity_key); a nil
// map plans everything as upsert.
//
// This is the only dedup mechanism: content unchanged since its last
// successful push is never sent again.
func PlanOperations(mapped []MappedOperation, lastHashes map[string]string) ([]PlannedOperation, error) {
	planned := make([]PlannedOperation, 0, len(mapped))
	for _, op := range mapped {
		hash, err := PayloadHash(op.Payload)
		if err != nil {
			return nil, fmt.Errorf("canonical: hash %s: %w", op.HashKey(), err)
		}
		action := ActionUpsert
		if prev, ok := lastHashes[op.HashKey()]; ok && prev == hash {
			action = ActionNoop
		}
		planned = append(planned, PlannedOperation{
			MappedOperation: op,
			PayloadHash:     hash,
			Action:          action,
		})
	}
	return planned, nil
}

// CountUpserts returns the number of operations planned as upsert.
func CountUpserts(planned []PlannedOperation) int {
	n := 0
	for _, op := range planned {
		if op.Action == ActionUpsert {
			n++
		}
	}
	return n
}

// Skip turns a noop into its executed form. Skipped operations were never
// attempted.
func Skip(op PlannedOperation) ExecutedOperation {
	return ExecutedOperation{PlannedOperation: op, Status: OpSkipped}
}

// Succeed marks op as successfully executed.
func Succeed(op PlannedOperation, response map[string]any) ExecutedOperation {
	return ExecutedOperation{PlannedOperation: op, Status: OpSuccess, ResponsePayload: response}
}

// Fail marks op as failed with msg.
func Fail(op PlannedOperation, msg string) ExecutedOperation {
	return ExecutedOperation{PlannedOperation: op, Status: OpFailed, ErrorMessage: msg}
}

// Summarize derives the job summary purely from executed results.
func Summarize(results []ExecutedOperation) Summary {
	s := Summary{Planned: len(results)}
	for _, r := range results {
		switch r.Status {
		case OpSuccess:
			if r.Action == ActionUpsert {
				s.Upserted++
			}
		case OpSkipped:
			s.Skipped++
		case OpFailed:
			s.Failed++
		}
	}
	return s
}

// Pipeline runs normalize, validate and map over a dataset. When validation
// fails the returned operations are nil and problems is non-empty.
func Pipeline(d Dataset) (normalized Dataset, ops []MappedOperation, problems []string) {
	normalized = Normalize(d)
	if problems = Validate(normalized); len(problems) > 0 {
		return normalized, nil, problems
	}
	return normalized, Map(normalized), nil
}
