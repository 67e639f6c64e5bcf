package logger

const (
	Main       = "main"
	Commit     = "vc.commit"
	Load       = "vc.load"
	Jobs       = "vc.jobs"
	Repository = "vc.repository"
	Store      = "store"
	API        = "api"
)
