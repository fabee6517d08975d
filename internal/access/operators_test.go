package access_test

import (
	"testing"

	"OptionLedger/internal/access"

	"github.com/ethereum/go-ethereum/common"
)

func TestOperatorGrants(t *testing.T) {
	owner := common.HexToAddress("0x1")
	op := common.HexToAddress("0x2")
	stranger := common.HexToAddress("0x3")

	ops := access.NewOperators()
	if !ops.IsAuthorized(owner, owner) {
		t.Fatal("owner must always be authorized")
	}
	if ops.IsAuthorized(op, owner) {
		t.Fatal("operator authorized before grant")
	}

	ops.Set(owner, op, true)
	if !ops.IsAuthorized(op, owner) {
		t.Error("operator not authorized after grant")
	}
	if ops.IsAuthorized(stranger, owner) {
		t.Error("stranger authorized")
	}

	exported := ops.Export()
	if len(exported) != 1 || exported[0].Operator != op {
		t.Fatalf("export: got %+v", exported)
	}

	ops.Set(owner, op, false)
	if ops.IsAuthorized(op, owner) {
		t.Error("operator still authorized after revoke")
	}

	restored := access.NewOperators()
	restored.Restore(exported)
	if !restored.IsOperator(owner, op) {
		t.Error("restore lost grant")
	}
}
