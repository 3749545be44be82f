package psearch

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"dirsync/internal/ecl"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Env is the variable set a filter expression sees for one record.
type Env map[string]any

func envFor(e ecl.Entry) Env {
	return Env{
		"domain":       e.Domain,
		"op":           e.Op.String(),
		"targetDN":     e.TargetDN,
		"entryUUID":    e.EntryUUID,
		"changeNumber": e.Number,
		"replica":      int(e.CSN.Replica),
		"csn":          e.CSN.String(),
	}
}

// CompileFilter compiles a boolean expression such as
// `op == "add" && domain == "o=test"`. An empty source matches everything.
func CompileFilter(src string) (*vm.Program, error) {
	if src == "" {
		return nil, nil
	}
	prg, err := expr.Compile(src, expr.Env(envFor(ecl.Entry{})), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile filter %q: %w", src, err)
	}
	return prg, nil
}

func match(prg *vm.Program, e ecl.Entry) (bool, error) {
	if prg == nil {
		return true, nil
	}
	out, err := vm.Run(prg, envFor(e))
	if err != nil {
		return false, fmt.Errorf("evaluate filter: %w", err)
	}
	ok, _ := out.(bool)
	return ok, nil
}

// Attribute names of an external changelog entry.
const (
	AttrChangeNumber    = "changeNumber"
	AttrChangeType      = "changeType"
	AttrTargetDN        = "targetDN"
	AttrTargetEntryUUID = "targetEntryUUID"
	AttrReplicationCSN  = "replicationCSN"
	AttrReplicaID       = "replicaIdentifier"
	AttrChangeTime      = "changeTime"
	AttrCookie          = "changelogCookie"
	AttrChanges         = "changes"
)

var allAttributes = []string{
	AttrChangeNumber, AttrChangeType, AttrTargetDN, AttrTargetEntryUUID, AttrReplicationCSN,
	AttrReplicaID, AttrChangeTime, AttrCookie, AttrChanges,
}

// Project renders the requested attributes of e. No attributes, or "*",
// selects all of them; unknown names are ignored.
func Project(e ecl.Entry, attrs []string) map[string]string {
	want := attrs
	if len(want) == 0 {
		want = allAttributes
	}
	out := make(map[string]string, len(want))
	for _, a := range want {
		if a == "*" {
			for _, all := range allAttributes {
				out[all] = attribute(e, all)
			}
			continue
		}
		for _, known := range allAttributes {
			if strings.EqualFold(a, known) {
				out[known] = attribute(e, known)
			}
		}
	}
	return out
}

func attribute(e ecl.Entry, name string) string {
	switch name {
	case AttrChangeNumber:
		return strconv.FormatInt(e.Number, 10)
	case AttrChangeType:
		return e.Op.String()
	case AttrTargetDN:
		return e.TargetDN
	case AttrTargetEntryUUID:
		return e.EntryUUID
	case AttrReplicationCSN:
		return e.CSN.String()
	case AttrReplicaID:
		return strconv.Itoa(int(e.CSN.Replica))
	case AttrChangeTime:
		return e.CSN.Timestamp().Format(time.RFC3339Nano)
	case AttrCookie:
		return e.Cookie
	case AttrChanges:
		return string(e.Payload)
	}
	return ""
}
