// Package domain defines the core entities of the job system: the Job
// record, its status machine, and the failure taxonomy used to classify
// handler errors as retryable or permanent.
package domain
