package topology

import (
	"fmt"
	"strings"
)

// FaultCode classifies build-time faults.
type FaultCode string

const (
	// FaultDuplicateNode indicates two templates produced the same node ID.
	FaultDuplicateNode FaultCode = "duplicate_node"

	// FaultUnknownVariable indicates a condition, count, or attribute
	// referenced a toggle that is not defined in the variable set.
	FaultUnknownVariable FaultCode = "unknown_variable"

	// FaultInvalidExpansion indicates an invalid count or for_each value.
	FaultInvalidExpansion FaultCode = "invalid_expansion"

	// FaultInvalidIndex indicates an index expression referring to an
	// out-of-range element.
	FaultInvalidIndex FaultCode = "invalid_index"

	// FaultDanglingReference indicates an attribute references a node that
	// does not exist in the graph.
	FaultDanglingReference FaultCode = "dangling_reference"

	// FaultElidedReference indicates a reference to a node whose template
	// was elided by a false condition or zero count.
	FaultElidedReference FaultCode = "elided_reference"

	// FaultSelfReference indicates a node references its own outputs.
	FaultSelfReference FaultCode = "self_reference"

	// FaultCycle indicates the reference graph contains a cycle.
	FaultCycle FaultCode = "cycle"

	// FaultSyntax indicates a malformed descriptor file.
	FaultSyntax FaultCode = "syntax"
)

// BuildFault is a fatal configuration fault. No graph is produced when one
// is returned; nothing is ever attempted against a provider.
type BuildFault struct {
	Code     FaultCode
	Module   string
	Template string
	Detail   string

	// Cycle holds the offending node sequence for FaultCycle, in
	// dependency order with the first node repeated at the end.
	Cycle []NodeID
}

func (f *BuildFault) Error() string {
	var sb strings.Builder
	sb.WriteString(string(f.Code))
	if f.Module != "" {
		fmt.Fprintf(&sb, " in module %q", f.Module)
		if f.Template != "" {
			fmt.Fprintf(&sb, ", resource %q", f.Template)
		}
	}
	if len(f.Cycle) > 0 {
		parts := make([]string, len(f.Cycle))
		for i, id := range f.Cycle {
			parts[i] = string(id)
		}
		fmt.Fprintf(&sb, ": %s", strings.Join(parts, " -> "))
	}
	if f.Detail != "" {
		sb.WriteString(": " + f.Detail)
	}
	return sb.String()
}

func faultf(code FaultCode, module, template, format string, args ...interface{}) *BuildFault {
	return &BuildFault{
		Code:     code,
		Module:   module,
		Template: template,
		Detail:   fmt.Sprintf(format, args...),
	}
}
