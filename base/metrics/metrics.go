package metrics

const (
	SimRDCurrentH = "The rotation distance currently applied to the gear stepper"
	SimRDCurrentN = "tensionservice_sim_rd_current"
	SimRDTunedH   = "The rotation distance the autotuner currently believes to be accurate"
	SimRDTunedN   = "tensionservice_sim_rd_tuned"
	SimXEstimateH = "The estimated normalized buffer position"
	SimXEstimateN = "tensionservice_sim_x_estimate"
	SimCEstimateH = "The estimated compliance/calibration factor"
	SimCEstimateN = "tensionservice_sim_c_estimate"
	SimFlowLevelH = "The normalized FlowGuard headroom level (positive: clog side, negative: tangle side)"
	SimFlowLevelN = "tensionservice_sim_flowguard_level"
	SimTriggersH  = "The total number of FlowGuard triggers observed"
	SimTriggersN  = "tensionservice_sim_flowguard_triggers"
	SimTicksH     = "The total number of controller ticks executed"
	SimTicksN     = "tensionservice_sim_ticks"
)
