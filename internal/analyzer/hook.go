package analyzer

import (
	"io"
	"log"
)

// Hook mutates one mapping of a document in place before it is censused or
// decomposed. path is the canonical path of the mapping ("$" for the
// document root). Hooks run pre-order: a mapping sees the hook before any of
// its children do, so a hook at "$" can rewrite nested structure wholesale.
type Hook func(path string, record map[string]any)

// Logger is the minimal logging surface the engine needs. *log.Logger
// satisfies it.
type Logger interface {
	Printf(format string, v ...any)
}

// Options configures a Pass. The zero value is usable: no hook (one warning
// per pass), default identifier matchers, discarded logs.
type Options struct {
	// Hook is applied to every mapping during ApplyHook walks. Optional.
	Hook Hook

	// IDKeys selects identifier columns. Nil means DefaultIDKeySelector.
	IDKeys *IDKeySelector

	// Logger receives warnings. Nil discards them.
	Logger Logger
}

// Pass carries the state of one engine invocation: one schema-discovery scan
// or one ingestion run over a corpus. All cross-document bookkeeping lives
// here rather than in package globals, so concurrent passes never interfere.
//
// A Pass is not safe for concurrent use; the engine processes documents
// one at a time.
type Pass struct {
	hook   Hook
	idKeys IDKeySelector
	logger Logger

	warnedNoHook bool
}

// NewPass returns a pass configured by opts.
func NewPass(opts Options) *Pass {
	p := &Pass{hook: opts.Hook, logger: opts.Logger}
	if opts.IDKeys != nil {
		p.idKeys = *opts.IDKeys
	} else {
		p.idKeys = DefaultIDKeySelector()
	}
	if p.logger == nil {
		p.logger = log.New(io.Discard, "", 0)
	}
	return p
}

func (p *Pass) warnf(format string, v ...any) {
	p.logger.Printf("warn: "+format, v...)
}

// ApplyHook walks every mapping reachable from item pre-order and invokes
// the pass hook on it. List elements descend through the list marker, so a
// hook keyed on "$.Individual.[]" fires once per element. Without a
// configured hook the walk is a no-op and warns once per pass.
func (p *Pass) ApplyHook(item map[string]any, path Path) {
	if p.hook == nil {
		if !p.warnedNoHook {
			p.warnf("no mutation hook configured, documents pass through unchanged")
			p.warnedNoHook = true
		}
		return
	}
	p.applyHook(item, path)
}

func (p *Pass) applyHook(item map[string]any, path Path) {
	p.hook(path.String(), item)
	for _, key := range sortedKeys(item) {
		switch v := item[key].(type) {
		case map[string]any:
			p.applyHook(v, path.Append(key))
		case []any:
			if !allMappings(v) {
				continue
			}
			child := path.Append(key).DescendList()
			for _, el := range v {
				p.applyHook(el.(map[string]any), child)
			}
		}
	}
}
