package websocket

import (
	"context"
	"fmt"
	"reflect"
	"sync/atomic"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/getmockd/wsecho/pkg/config"
)

// RuleEnv is the environment rule expressions are evaluated against.
type RuleEnv struct {
	// Text is the inbound message text.
	Text string `expr:"text"`
	// Handle is the connection handle.
	Handle string `expr:"handle"`
	// Sessions is the number of registered sessions.
	Sessions int `expr:"sessions"`
}

// Rule is a compiled content rule.
type Rule struct {
	Name  string
	when  *vm.Program
	reply *vm.Program
}

// CompileRules compiles rule configurations in order. The first invalid
// rule fails the whole set.
func CompileRules(cfgs []config.RuleConfig) ([]Rule, error) {
	rules := make([]Rule, 0, len(cfgs))
	for i, rc := range cfgs {
		name := rc.Name
		if name == "" {
			name = fmt.Sprintf("rules[%d]", i)
		}
		when, err := expr.Compile(rc.When, expr.Env(RuleEnv{}), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("compile %s when: %w", name, err)
		}
		reply, err := expr.Compile(rc.Reply, expr.Env(RuleEnv{}), expr.AsKind(reflect.String))
		if err != nil {
			return nil, fmt.Errorf("compile %s reply: %w", name, err)
		}
		rules = append(rules, Rule{Name: name, when: when, reply: reply})
	}
	return rules, nil
}

// SessionCounter reports the number of live sessions. *registry.Registry
// implements it.
type SessionCounter interface {
	Len() int
}

// RuleDispatcher answers with the reply of the first rule whose condition
// holds and defers to a fallback Dispatcher when none does.
type RuleDispatcher struct {
	rules    atomic.Pointer[[]Rule]
	fallback Dispatcher
	sessions SessionCounter
}

// NewRuleDispatcher creates a RuleDispatcher. sessions may be nil.
func NewRuleDispatcher(rules []Rule, fallback Dispatcher, sessions SessionCounter) *RuleDispatcher {
	d := &RuleDispatcher{fallback: fallback, sessions: sessions}
	d.SetRules(rules)
	return d
}

// SetRules replaces the rule set for subsequent messages.
func (d *RuleDispatcher) SetRules(rules []Rule) {
	cp := append([]Rule(nil), rules...)
	d.rules.Store(&cp)
}

// Rules returns the current rule set.
func (d *RuleDispatcher) Rules() []Rule {
	return *d.rules.Load()
}

// Dispatch implements Dispatcher.
func (d *RuleDispatcher) Dispatch(ctx context.Context, conn *Connection, msg Message) ([]Message, error) {
	rules := d.Rules()
	if len(rules) > 0 {
		env := RuleEnv{Text: msg.Text()}
		if conn != nil {
			env.Handle = conn.Handle()
		}
		if d.sessions != nil {
			env.Sessions = d.sessions.Len()
		}

		for _, r := range rules {
			ok, err := expr.Run(r.when, env)
			if err != nil {
				return nil, fmt.Errorf("rule %s: %w", r.Name, err)
			}
			if matched, _ := ok.(bool); !matched {
				continue
			}
			out, err := expr.Run(r.reply, env)
			if err != nil {
				return nil, fmt.Errorf("rule %s reply: %w", r.Name, err)
			}
			reply, _ := out.(string)
			return []Message{TextMessage(reply)}, nil
		}
	}

	if d.fallback == nil {
		return nil, nil
	}
	return d.fallback.Dispatch(ctx, conn, msg)
}
