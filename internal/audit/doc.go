// Package audit holds the data model shared by every stage of a vetting run:
// the subject under review, the evidence collected about it, and the verdict
// produced for it.
package audit
