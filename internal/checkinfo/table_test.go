// Copyright 2023 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

package checkinfo_test

import (
	"context"
	"testing"

	"github.com/PlanetApostle/tdengine-tq/internal/checkinfo"
	"github.com/PlanetApostle/tdengine-tq/internal/metamem"
	"github.com/PlanetApostle/tdengine-tq/internal/types"
)

func TestCheckColumnModifiable(t *testing.T) {
	ctx := context.Background()
	tbl := checkinfo.New(metamem.New())

	if err := tbl.Add(ctx, types.CheckInfo{
		Topic:              "orders_cdc",
		TableUID:           100,
		ForbiddenColumnIDs: []int64{1, 2},
	}); err != nil {
		t.Fatal(err)
	}

	if ok, _ := tbl.CheckColumnModifiable(100, 1); ok {
		t.Fatal("column 1 of table 100 should be forbidden")
	}
	ok, conflict := tbl.CheckColumnModifiable(100, 1)
	if ok || conflict != "orders_cdc" {
		t.Fatalf("want conflict=orders_cdc ok=false, got ok=%v conflict=%s", ok, conflict)
	}
	if ok, _ := tbl.CheckColumnModifiable(100, 3); !ok {
		t.Fatal("column 3 of table 100 should be modifiable")
	}
	if ok, _ := tbl.CheckColumnModifiable(200, 1); !ok {
		t.Fatal("column 1 of unrelated table 200 should be modifiable")
	}

	if err := tbl.Delete(ctx, "orders_cdc"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := tbl.CheckColumnModifiable(100, 1); !ok {
		t.Fatal("column 1 of table 100 should be modifiable after delete")
	}
	// Deleting again must not error.
	if err := tbl.Delete(ctx, "orders_cdc"); err != nil {
		t.Fatal(err)
	}
}

func TestRestoreFromMeta(t *testing.T) {
	ctx := context.Background()
	meta := metamem.New()
	if err := meta.SaveCheckInfo(ctx, types.CheckInfo{Topic: "t1", TableUID: 1, ForbiddenColumnIDs: []int64{9}}); err != nil {
		t.Fatal(err)
	}

	tbl := checkinfo.New(meta)
	if err := tbl.Restore(ctx); err != nil {
		t.Fatal(err)
	}
	if ok, _ := tbl.CheckColumnModifiable(1, 9); ok {
		t.Fatal("restored check-info should still forbid column 9")
	}
}
