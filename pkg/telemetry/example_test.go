package telemetry_test

import (
	"fmt"

	"github.com/pagepoet/pagepoet/pkg/telemetry"
)

// ExampleStats shows how providers record their counters.
func ExampleStats() {
	stats := telemetry.NewStats()
	stats.IncValue("autoextract/product/total", 1)
	stats.IncValue("autoextract/product/success", 1)
	stats.IncValue("autoextract/product/total", 1)

	total, _ := stats.GetValue("autoextract/product/total")
	fmt.Println(total)
	fmt.Println(stats.Keys())
	// Output:
	// 2
	// [autoextract/product/success autoextract/product/total]
}
