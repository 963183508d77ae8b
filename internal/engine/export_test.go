package engine

var RunsTotal = runsTotal
