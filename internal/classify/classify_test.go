package classify

import "testing"

func TestClassifyBasicStatements(t *testing.T) {
	c := New()
	cases := []struct {
		sql      string
		wantKind OperationKind
		wantRO   bool
		wantDB   string
	}{
		{"SELECT * FROM sales.orders WHERE id = 1", OpSelect, true, "sales"},
		{"INSERT INTO orders (id) VALUES (1)", OpInsert, false, ""},
		{"UPDATE orders SET status = 'shipped' WHERE id = 1", OpUpdate, false, ""},
		{"DELETE FROM orders WHERE id = 1", OpDelete, false, ""},
		{"BEGIN", OpBegin, false, ""},
		{"COMMIT", OpCommit, false, ""},
		{"ROLLBACK", OpRollback, false, ""},
		{"USE sales", OpUse, false, "sales"},
		{"SHOW TABLES", OpShow, true, ""},
		{"SET @x = 1", OpSet, false, ""},
		{"CREATE TABLE t (id INT)", OpDDL, false, ""},
	}
	for _, tc := range cases {
		res, err := c.Classify(tc.sql)
		if err != nil {
			t.Fatalf("Classify(%q): %v", tc.sql, err)
		}
		if res.Kind != tc.wantKind {
			t.Errorf("Classify(%q).Kind = %v, want %v", tc.sql, res.Kind, tc.wantKind)
		}
		if res.ReadOnly != tc.wantRO {
			t.Errorf("Classify(%q).ReadOnly = %v, want %v", tc.sql, res.ReadOnly, tc.wantRO)
		}
		if tc.wantDB != "" && res.TouchedDB != tc.wantDB {
			t.Errorf("Classify(%q).TouchedDB = %q, want %q", tc.sql, res.TouchedDB, tc.wantDB)
		}
	}
}

func TestClassifyRejectsMultipleStatements(t *testing.T) {
	c := New()
	if _, err := c.Classify("SELECT 1; SELECT 2"); err == nil {
		t.Fatal("expected an error for multi-statement input")
	}
}

func TestClassifyRejectsSyntaxError(t *testing.T) {
	c := New()
	if _, err := c.Classify("SELEKT * FROM t"); err == nil {
		t.Fatal("expected a parse error")
	}
}
