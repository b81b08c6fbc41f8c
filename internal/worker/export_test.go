package worker

var ShouldResubmit = shouldResubmit
