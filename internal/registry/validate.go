package registry

import (
	"reflect"
	"unicode"

	"github.com/DevilsDev/ragpipe/internal/plugin"
)

// categoryChecks verify that an implementation satisfies its category
// interface. The contract's method list is checked separately so that
// contract documents can demand members beyond the interface minimum.
var categoryChecks = map[plugin.Category]func(any) bool{
	plugin.CategoryLoader:    func(v any) bool { _, ok := v.(plugin.Loader); return ok },
	plugin.CategoryEmbedder:  func(v any) bool { _, ok := v.(plugin.Embedder); return ok },
	plugin.CategoryRetriever: func(v any) bool { _, ok := v.(plugin.Retriever); return ok },
	plugin.CategoryReranker:  func(v any) bool { _, ok := v.(plugin.Reranker); return ok },
	plugin.CategoryLLM:       func(v any) bool { _, ok := v.(plugin.LLM); return ok },
	plugin.CategoryEvaluator: func(v any) bool { _, ok := v.(plugin.Evaluator); return ok },
}

// validateImpl checks impl against its category interface and contract.
// The first violation found is the one the error message names.
func validateImpl(category plugin.Category, name string, impl any, contract *Contract) error {
	p, ok := impl.(plugin.Plugin)
	if !ok {
		return &ContractViolationError{Category: category, Name: name, Reason: "implementation has no metadata"}
	}

	md := p.Metadata()
	switch {
	case md.Name == "":
		return &ContractViolationError{Category: category, Name: name, Reason: "metadata.name is empty"}
	case md.Version == "":
		return &ContractViolationError{Category: category, Name: name, Reason: "metadata.version is empty"}
	case md.Type != category:
		return &ContractViolationError{
			Category: category, Name: name,
			Reason: "metadata.type " + string(md.Type) + " does not match category " + string(category),
		}
	}

	if check := categoryChecks[category]; check != nil && !check(impl) {
		missing := missingMethods(impl, contract)
		if len(missing) == 0 {
			// Interface mismatch with every contract method present means a
			// method exists under the right name with the wrong signature.
			return &ContractViolationError{
				Category: category, Name: name,
				Reason: "does not satisfy the " + string(category) + " interface",
			}
		}
		return &ContractViolationError{Category: category, Name: name, Missing: missing}
	}

	if contract != nil {
		if missing := missingMethods(impl, contract); len(missing) > 0 {
			return &ContractViolationError{Category: category, Name: name, Missing: missing}
		}
	}
	return nil
}

// missingMethods returns every contract method the implementation does not
// expose, in Contract.Methods order. Contract method names use the
// original lowerCamel spelling; lookup maps them onto exported Go methods.
func missingMethods(impl any, contract *Contract) []string {
	if contract == nil {
		return nil
	}
	v := reflect.ValueOf(impl)
	var missing []string
	for _, m := range contract.Methods() {
		if !v.MethodByName(exportedName(m)).IsValid() {
			missing = append(missing, m)
		}
	}
	return missing
}

func exportedName(method string) string {
	if method == "" {
		return method
	}
	r := []rune(method)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}
