/*
Package hub connects observers to the engine.

Observers subscribe to a single server-wide registry. Every event published
(step progress from router hooks, workflow completion, results) goes to all
of them; a failed send is logged and skipped. Inbound commands are JSON
objects with a "type" field:

	run_workflow          {task, workflow_id?, focused_file_path?, file_paths?}
	get_workflow_status   {workflow_id}
	get_workflow_results  {workflow_id}
	human_feedback        {workflow_id, feedback, action: continue|accept|reject|stop}
	cancel_workflow       {workflow_id}

Errors are answered to the sending observer only, as status events whose
data carries "error": true.
*/
package hub
