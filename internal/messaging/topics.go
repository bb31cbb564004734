package messaging

// Kafka topics used by the pool.
const (
	// TopicJobs carries mining jobs from the template registry to stratumd.
	TopicJobs = "mining.jobs"
	// TopicShareResults carries accept/reject decisions for every submission.
	TopicShareResults = "mining.share_results"
	// TopicBlockResults carries upstream block-submission confirmations.
	TopicBlockResults = "mining.block_results"
)
