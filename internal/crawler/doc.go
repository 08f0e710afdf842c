// Package crawler holds the core domain of the novel crawler: book records and
// their versioning rules, the Book probe unit, the collaborator interfaces the
// orchestrator is generic over, and the error taxonomy shared by every layer.
package crawler
