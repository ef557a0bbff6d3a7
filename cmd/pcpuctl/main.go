// Command pcpuctl builds per-CPU allocator layouts and runs simulated
// workloads against the allocator.
package main

func main() {
	execute()
}
