package stepflow

// OutputKey is the NodeResult key holding a node's primary output.
const OutputKey = "output"

// OutputFromResult extracts the primary output from a NodeResult.
func OutputFromResult(res NodeResult) any {
	if res == nil {
		return nil
	}
	return res[OutputKey]
}

// NamedOutputs returns every sub-output besides the primary one. The
// reserved previousOutput key is dropped; only the engine may set it.
func NamedOutputs(res NodeResult) map[string]any {
	if len(res) == 0 {
		return nil
	}

	named := make(map[string]any, len(res))
	for k, v := range res {
		if k == OutputKey || k == PreviousOutputKey {
			continue
		}
		named[k] = v
	}

	if len(named) == 0 {
		return nil
	}
	return named
}

// ResultWithOutput builds a minimal NodeResult carrying only an output.
func ResultWithOutput(output any) NodeResult {
	return NodeResult{OutputKey: output}
}
