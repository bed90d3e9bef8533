// Package plugin holds the worker-side plugin registry: a static, data-driven table
// mapping a task's plugin kind to the container image, argv template, and I/O
// contract used to invoke it. There is no dynamic code loading; descriptors are
// plain data registered at process startup.
package plugin

import (
	"fmt"
	"strings"
)

// TokenKind identifies the class of an argv template token.
type TokenKind int

const (
	TokenLiteral TokenKind = iota
	TokenParam
	TokenInput
	TokenOutput
)

// Token is one element of a plugin's argv template.
type Token struct {
	Kind TokenKind
	Name string // literal value, or param/input/output name
}

// Descriptor describes how to invoke one plugin kind.
type Descriptor struct {
	Kind             string
	Image            string
	ArgvTemplate     []Token
	ExpectedInputs   []string
	ExpectedOutputs  []string
}

// Registry is a static kind -> Descriptor table.
type Registry struct {
	descriptors map[string]Descriptor
}

// NewRegistry builds a Registry from the given descriptors, keyed by Kind.
func NewRegistry(descriptors ...Descriptor) *Registry {
	r := &Registry{descriptors: make(map[string]Descriptor, len(descriptors))}
	for _, d := range descriptors {
		r.descriptors[d.Kind] = d
	}
	return r
}

// Lookup returns the descriptor for kind and whether it was found.
func (r *Registry) Lookup(kind string) (Descriptor, bool) {
	d, ok := r.descriptors[kind]
	return d, ok
}

// literal builds a literal argv token.
func literal(s string) Token { return Token{Kind: TokenLiteral, Name: s} }

// param builds a {param:NAME} argv token.
func param(name string) Token { return Token{Kind: TokenParam, Name: name} }

// input builds an {input:NAME} argv token.
func input(name string) Token { return Token{Kind: TokenInput, Name: name} }

// output builds an {output:NAME} argv token.
func output(name string) Token { return Token{Kind: TokenOutput, Name: name} }

// BuiltinDescriptors returns the CrowdCompute built-in plugin descriptors: hashcat,
// sort_map, and sort_reduce.
func BuiltinDescriptors() []Descriptor {
	return []Descriptor{
		{
			Kind:  "hashcat",
			Image: "crowd-hashcat-cpu:latest",
			ArgvTemplate: []Token{
				literal("hashcat"),
				literal("-m"), param("hash_mode"),
				literal("-a"), literal("0"),
				param("target_hash"),
				input("wordlist.txt"),
				literal("-o"), output("result.txt"),
			},
			ExpectedInputs:  []string{"wordlist.txt"},
			ExpectedOutputs: []string{"result.txt"},
		},
		{
			Kind:  "sort_map",
			Image: "crowd-sort-cpu:latest",
			ArgvTemplate: []Token{
				literal("sort-map"),
				literal("--in"), input("shard.txt"),
				literal("--out"), output("sorted.txt"),
			},
			ExpectedInputs:  []string{"shard.txt"},
			ExpectedOutputs: []string{"sorted.txt"},
		},
		{
			Kind:  "sort_reduce",
			Image: "crowd-sort-cpu:latest",
			ArgvTemplate: []Token{
				literal("sort-reduce"),
				literal("--out"), output("final.txt"),
			},
			ExpectedInputs:  nil, // variable count, resolved from task.Inputs at invocation time
			ExpectedOutputs: []string{"final.txt"},
		},
	}
}

// Render substitutes params/inputs/outputs into the argv template, returning the
// literal argv slice a runtime should pass to the spawned container. inputPaths and
// outputPaths map declared input/output names to their in-container file paths.
func Render(d Descriptor, params map[string]string, inputPaths, outputPaths map[string]string) ([]string, error) {
	argv := make([]string, 0, len(d.ArgvTemplate))
	for _, tok := range d.ArgvTemplate {
		switch tok.Kind {
		case TokenLiteral:
			argv = append(argv, tok.Name)
		case TokenParam:
			v, ok := params[tok.Name]
			if !ok {
				return nil, fmt.Errorf("plugin %s: missing param %q", d.Kind, tok.Name)
			}
			argv = append(argv, v)
		case TokenInput:
			v, ok := inputPaths[tok.Name]
			if !ok {
				return nil, fmt.Errorf("plugin %s: missing input path %q", d.Kind, tok.Name)
			}
			argv = append(argv, v)
		case TokenOutput:
			v, ok := outputPaths[tok.Name]
			if !ok {
				return nil, fmt.Errorf("plugin %s: missing output path %q", d.Kind, tok.Name)
			}
			argv = append(argv, v)
		default:
			return nil, fmt.Errorf("plugin %s: unknown token kind", d.Kind)
		}
	}
	return argv, nil
}

// String renders a human-readable form of the argv template, for logging.
func (d Descriptor) String() string {
	parts := make([]string, len(d.ArgvTemplate))
	for i, tok := range d.ArgvTemplate {
		switch tok.Kind {
		case TokenParam:
			parts[i] = "{param:" + tok.Name + "}"
		case TokenInput:
			parts[i] = "{input:" + tok.Name + "}"
		case TokenOutput:
			parts[i] = "{output:" + tok.Name + "}"
		default:
			parts[i] = tok.Name
		}
	}
	return strings.Join(parts, " ")
}
