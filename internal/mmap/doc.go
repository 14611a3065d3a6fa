// Package mmap maps packed artifact files read-only into memory.
//
// On unix platforms the file is mapped with mmap(2) and released with
// munmap(2). Other platforms fall back to reading the file into a heap buffer
// so callers can rely on the same API everywhere.
//
//	f, err := mmap.Open("layer.gptq")
//	if err != nil { ... }
//	defer f.Close()
//	header := f.Bytes()[:64]
package mmap
