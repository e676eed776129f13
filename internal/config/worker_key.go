package config

type WorkerKeyStruct struct {
	PersistSubmissionsQueue string
	FailedSubmissionsQueue  string
}

var WorkerKey = &WorkerKeyStruct{
	PersistSubmissionsQueue: "persist_submissions_queue",
	FailedSubmissionsQueue:  "failed_submissions_queue",
}
