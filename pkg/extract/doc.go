// Package extract turns uploaded files into plain text.
//
// It detects real content types from magic bytes, validates them
// against the declared type, and extracts text from PDF, DOCX, XLSX,
// plain text and markdown. PDF extraction records per-page character
// ranges so chunks can be attributed to pages. Scanned PDFs without a
// text layer are handed to an optional OCR callback.
package extract
