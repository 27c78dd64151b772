/*
Package rules evaluates capability rules for workspace deployments.

A rule is (subject, action, allow/deny) where the subject is a user id, a
"class:" name, or the wildcard "*". Evaluation order is subject-specific,
then class, then wildcard, then default-deny; within a level the first
match in file order wins. The only action currently recognized is
CAP_INSTANTIATE, checked when an ACQUIRE names a subject.
*/
package rules
